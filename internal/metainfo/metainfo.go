// Package metainfo parses a .torrent file's bencoded dictionary into the
// TorrentIdentity the session orchestrator needs. Multi-file torrents are
// parsed but only the single-file ("length") layout is usable by a session,
// per the engine's single-file Non-goal.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/jackpal/bencode-go"
)

type Info struct {
	Name        string
	PieceLength int32
	Pieces      [][sha1.Size]byte
	Private     bool
	Length      int64
	Files       []File
}

type File struct {
	Length int64
	Path   []string
}

type Metainfo struct {
	Info         Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	InfoHash     [sha1.Size]byte
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not a multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
)

// Size returns the torrent's total byte length: Info.Length for a
// single-file torrent, or the sum of Files' lengths otherwise.
func (m *Metainfo) Size() int64 {
	if m.Info.Length > 0 {
		return m.Info.Length
	}
	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}
	return sum
}

// Parse decodes a .torrent file's raw bytes.
func Parse(data []byte) (*Metainfo, error) {
	var root map[string]interface{}
	if err := bencode.Unmarshal(bytes.NewReader(data), &root); err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}

	announce, _ := root["announce"].(string)
	announceList := parseAnnounceList(root["announce-list"])
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	rawInfo, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := rawInfo.(map[string]interface{})
	if !ok {
		return nil, ErrInfoNotDict
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, infoDict); err != nil {
		return nil, fmt.Errorf("metainfo: re-encoding info dict: %w", err)
	}

	m := &Metainfo{
		Info:         *info,
		InfoHash:     sha1.Sum(buf.Bytes()),
		Announce:     announce,
		AnnounceList: announceList,
	}
	if createdBy, ok := root["created by"].(string); ok {
		m.CreatedBy = createdBy
	}
	if comment, ok := root["comment"].(string); ok {
		m.Comment = comment
	}
	if secs, ok := root["creation date"].(int64); ok && secs >= 0 {
		m.CreationDate = time.Unix(secs, 0).UTC()
	}

	return m, nil
}

func parseInfo(dict map[string]interface{}) (*Info, error) {
	var out Info

	name, ok := dict["name"].(string)
	if !ok || name == "" {
		return nil, ErrNameMissing
	}
	out.Name = name

	plen, ok := dict["piece length"].(int64)
	if !ok || plen <= 0 {
		return nil, ErrPieceLenNonPositive
	}
	out.PieceLength = int32(plen)

	piecesRaw, ok := dict["pieces"].(string)
	if !ok {
		return nil, ErrPiecesMissing
	}
	pieces, err := parsePieces([]byte(piecesRaw))
	if err != nil {
		return nil, err
	}
	out.Pieces = pieces

	if priv, ok := dict["private"].(int64); ok {
		out.Private = priv == 1
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, ok := lengthVal.(int64)
		if !ok || length < 0 {
			return nil, fmt.Errorf("metainfo: invalid 'length'")
		}
		out.Length = length
	case hasFiles && !hasLength:
		files, err := parseFiles(filesVal)
		if err != nil {
			return nil, err
		}
		out.Files = files
	default:
		return nil, ErrLayoutInvalid
	}

	return &out, nil
}

func parseFiles(v interface{}) ([]File, error) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]File, 0, len(arr))
	for i, it := range arr {
		m, ok := it.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}
		length, ok := m["length"].(int64)
		if !ok || length < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}
		rawPath, ok := m["path"].([]interface{})
		if !ok || len(rawPath) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}
		segments := make([]string, len(rawPath))
		for j, p := range rawPath {
			s, ok := p.(string)
			if !ok {
				return nil, fmt.Errorf("metainfo: files[%d]: path[%d] not a string", i, j)
			}
			segments[j] = s
		}
		files = append(files, File{Length: length, Path: segments})
	}
	return files, nil
}

func parseAnnounceList(v interface{}) [][]string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([][]string, 0, len(raw))
	for _, tierRaw := range raw {
		tierArr, ok := tierRaw.([]interface{})
		if !ok {
			continue
		}
		var tier []string
		for _, u := range tierArr {
			if s, ok := u.(string); ok {
				tier = append(tier, s)
			}
		}
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out
}

func parsePieces(b []byte) ([][sha1.Size]byte, error) {
	if len(b) == 0 {
		return nil, ErrPiecesMissing
	}
	if len(b)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}
	n := len(b) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], b[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}

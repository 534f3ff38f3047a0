// Package config holds the engine's tunable timeouts, limits, and paths as
// a single atomically-swappable value, optionally overridden from a YAML
// file on disk.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Config defines behavior and resource limits for a leech session.
type Config struct {
	// ========== Identity / Paths ==========

	// DownloadDir is the directory a session writes its output file into.
	DownloadDir string `yaml:"download_dir"`

	// ClientID seeds the peer_id sent in handshakes and tracker announces.
	ClientID [sha1.Size]byte `yaml:"-"`

	// ========== Networking ==========

	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	KeepAliveIdle    time.Duration `yaml:"keep_alive_idle"`

	// MaxPeers is the maximum number of concurrent peer connections.
	MaxPeers int `yaml:"max_peers"`

	// Port is the TCP port advertised to the tracker for incoming
	// connections. This engine does not accept inbound connections
	// (leech-only), but the value is still announced.
	Port uint16 `yaml:"port"`

	// ========== Tracker / Announce ==========

	// NumWant is the peer count requested per announce.
	NumWant int `yaml:"num_want"`

	// MinAnnounceInterval floors the poll interval even if a tracker
	// requests a shorter one, as a courtesy to the tracker operator.
	MinAnnounceInterval time.Duration `yaml:"min_announce_interval"`

	// ========== Piece Pipeline ==========

	// BlockPermitTimeout bounds how long the requester waits for a permit
	// before re-checking the peer's choke state.
	BlockPermitTimeout time.Duration `yaml:"block_permit_timeout"`

	// UnchokePermitTokens is how many block-request permits an UNCHOKE
	// grants at once.
	UnchokePermitTokens int `yaml:"unchoke_permit_tokens"`

	// ========== Miscellaneous ==========

	// MetricsEnabled toggles the Prometheus/admin HTTP endpoint.
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// MetricsBindAddr is the HTTP address metrics/status are served on.
	MetricsBindAddr string `yaml:"metrics_bind_addr"`
}

// defaultConfig returns sensible defaults for most use cases.
func defaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DownloadDir:         getDefaultDownloadDir(),
		ClientID:            clientID,
		DialTimeout:         6 * time.Second,
		HandshakeTimeout:    3 * time.Second,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        10 * time.Second,
		KeepAliveIdle:       120 * time.Second,
		MaxPeers:            50,
		Port:                6881,
		NumWant:             50,
		MinAnnounceInterval: 30 * time.Second,
		BlockPermitTimeout:  5 * time.Second,
		UnchokePermitTokens: 128,
		MetricsEnabled:      false,
		MetricsBindAddr:     ":9090",
	}, nil
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}
	return filepath.Join(home, ".local", "share", "leech", "downloads")
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-LE0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}

// LoadFile reads a YAML file at path and applies its fields on top of the
// current config via Update, leaving fields the file doesn't mention
// untouched.
func LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	var unmarshalErr error
	Update(func(c *Config) {
		unmarshalErr = yaml.Unmarshal(data, c)
	})
	if unmarshalErr != nil {
		return fmt.Errorf("config: parsing %s: %w", path, unmarshalErr)
	}
	return nil
}

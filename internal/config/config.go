// Package config holds the CLI configuration: defaults, an optional YAML
// file overlay and validation. Flags are applied on top by cmd/peerlink.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/peerlink/internal/transport"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Mode selects what the binary runs.
type Mode string

const (
	ModeRelay Mode = "relay" // run the signaling relay server
	ModeChat  Mode = "chat"  // open a peer connection and chat over it
)

// Relay configures the signaling relay.
type Relay struct {
	Listen string `yaml:"listen"` // relay mode: listen address
	URL    string `yaml:"url"`    // chat mode: relay host or URL
	Room   string `yaml:"room"`   // chat mode: room shared with the peer
}

// ICE configures candidate gathering.
type ICE struct {
	STUN     []string `yaml:"stun"`
	Loopback bool     `yaml:"loopback"`
}

// Channel configures the data channel and outbound framing.
type Channel struct {
	Label          string        `yaml:"label"`
	Unordered      bool          `yaml:"unordered"`
	MaxRetransmits *int          `yaml:"maxRetransmits"` // nil: reliable
	Pacing         time.Duration `yaml:"pacing"`
}

// Config stores every parameter of a run.
type Config struct {
	Mode          Mode          `yaml:"mode"`
	Relay         Relay         `yaml:"relay"`
	ICE           ICE           `yaml:"ice"`
	Channel       Channel       `yaml:"channel"`
	DownloadDir   string        `yaml:"downloadDir"`
	StatsInterval time.Duration `yaml:"statsInterval"`
	Debug         bool          `yaml:"debug"`
}

// Default returns the configuration used when neither a file nor flags
// set a value.
func Default() Config {
	return Config{
		Relay: Relay{
			Listen: "127.0.0.1:8080",
		},
		ICE: ICE{
			STUN: append([]string(nil), transport.DefaultSTUNServers...),
		},
		Channel: Channel{
			Label: "peerlink",
		},
		DownloadDir:   ".",
		StatsInterval: time.Second,
	}
}

// Load reads a YAML file over Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields the selected mode needs.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeRelay:
		if c.Relay.Listen == "" {
			return fmt.Errorf("%w: relay.listen is required in relay mode", ErrInvalid)
		}
	case ModeChat:
		if _, err := NormalizeRelayURL(c.Relay.URL); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if c.Channel.Label == "" {
			return fmt.Errorf("%w: channel.label must not be empty", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: mode must be %q or %q, got %q", ErrInvalid, ModeRelay, ModeChat, c.Mode)
	}

	for _, s := range c.ICE.STUN {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("%w: not a STUN URL: %s", ErrInvalid, s)
		}
	}
	if n := c.Channel.MaxRetransmits; n != nil && (*n < 0 || *n > math.MaxUint16) {
		return fmt.Errorf("%w: channel.maxRetransmits must be 0 ~ %d, got %d", ErrInvalid, math.MaxUint16, *n)
	}
	if c.Channel.Pacing < 0 {
		return fmt.Errorf("%w: channel.pacing must not be negative", ErrInvalid)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("%w: statsInterval must not be negative", ErrInvalid)
	}
	return nil
}

// TransportOptions maps the ICE and channel sections onto transport
// options. Call it on a validated Config.
func (c Config) TransportOptions() transport.Options {
	opts := transport.Options{
		STUNServers:     c.ICE.STUN,
		IncludeLoopback: c.ICE.Loopback,
		Unordered:       c.Channel.Unordered,
	}
	if n := c.Channel.MaxRetransmits; n != nil && *n >= 0 && *n <= math.MaxUint16 {
		retransmits := uint16(*n)
		opts.MaxRetransmits = &retransmits
	}
	return opts
}

// RoomURL returns the relay endpoint for the configured room.
func (c Config) RoomURL() (string, error) {
	base, err := NormalizeRelayURL(c.Relay.URL)
	if err != nil {
		return "", err
	}
	if c.Relay.Room == "" {
		return "", errors.New("no room set")
	}
	return base + "?room=" + url.QueryEscape(c.Relay.Room), nil
}

// NormalizeRelayURL validates a relay host or URL and returns its /ws
// endpoint. A bare host defaults to wss.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %q", raw)
	}

	scheme := "wss"
	switch u.Scheme {
	case "ws", "http":
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

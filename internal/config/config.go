package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgerpc/internal/rpc"
	"github.com/danmuck/edgerpc/internal/transport"
)

var (
	ErrUnknownKey = errors.New("config: unknown key")
	ErrInvalid    = errors.New("config: invalid value")
)

// Config is the resolved daemon configuration.
type Config struct {
	Engine  rpc.Config
	Listen  ListenConfig
	Admin   AdminConfig
	Storage StorageConfig
	Device  DeviceConfig
	Log     LogConfig
}

type ListenConfig struct {
	Network   string
	Address   string
	Owner     rpc.Owner
	Transport transport.Config
	Security  transport.Security
}

// AdminConfig enables the admin HTTP server when Address is set.
type AdminConfig struct {
	Address     string
	CORSOrigins []string
	// Token guards session-closing requests when set.
	Token string
}

type StorageConfig struct {
	Root string
}

type DeviceConfig struct {
	Name       string
	Properties map[string]string
}

type LogConfig struct {
	Level string
	JSON  bool
}

func Default() Config {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		name = "edgerpc"
	}
	return Config{
		Engine: rpc.DefaultConfig(),
		Listen: ListenConfig{
			Network:   "tcp",
			Address:   "127.0.0.1:7400",
			Owner:     rpc.OwnerNet,
			Transport: transport.DefaultConfig(),
		},
		Storage: StorageConfig{Root: "local/storage"},
		Device:  DeviceConfig{Name: name, Properties: map[string]string{}},
		Log:     LogConfig{Level: "info"},
	}
}

type fileConfig struct {
	Engine struct {
		QueueSize       int    `toml:"queue_size"`
		MaxSessions     int    `toml:"max_sessions"`
		MaxMessageBytes uint64 `toml:"max_message_bytes"`
	} `toml:"engine"`
	Listen struct {
		Network            string  `toml:"network"`
		Address            string  `toml:"address"`
		Owner              string  `toml:"owner"`
		FeedTimeout        string  `toml:"feed_timeout"`
		WriteTimeout       string  `toml:"write_timeout"`
		ReadBufferSize     int     `toml:"read_buffer_size"`
		ResetOnDecodeError bool    `toml:"reset_on_decode_error"`
		TLS                fileTLS `toml:"tls"`
	} `toml:"listen"`
	Admin struct {
		Address     string   `toml:"address"`
		CORSOrigins []string `toml:"cors_origins"`
		Token       string   `toml:"token"`
	} `toml:"admin"`
	Storage struct {
		Root string `toml:"root"`
	} `toml:"storage"`
	Device struct {
		Name       string            `toml:"name"`
		Properties map[string]string `toml:"properties"`
	} `toml:"device"`
	Log struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	} `toml:"log"`
}

type fileTLS struct {
	SecurityMode string `toml:"security_mode"`
	Enabled      bool   `toml:"enabled"`
	Mutual       bool   `toml:"mutual"`
	CertFile     string `toml:"cert_file"`
	KeyFile      string `toml:"key_file"`
	CAFile       string `toml:"ca_file"`
}

// Load reads path over Default. Only keys present in the file override
// a default; unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("%w (%s): %s", ErrUnknownKey, path, strings.Join(keys, ", "))
	}

	if meta.IsDefined("engine", "queue_size") {
		cfg.Engine.QueueSize = raw.Engine.QueueSize
	}
	if meta.IsDefined("engine", "max_sessions") {
		cfg.Engine.MaxSessions = raw.Engine.MaxSessions
	}
	if meta.IsDefined("engine", "max_message_bytes") {
		cfg.Engine.MaxMessageBytes = raw.Engine.MaxMessageBytes
	}

	if meta.IsDefined("listen", "network") {
		cfg.Listen.Network = strings.ToLower(strings.TrimSpace(raw.Listen.Network))
	}
	if meta.IsDefined("listen", "address") {
		cfg.Listen.Address = strings.TrimSpace(raw.Listen.Address)
	}
	if meta.IsDefined("listen", "owner") {
		owner, err := rpc.ParseOwner(raw.Listen.Owner)
		if err != nil {
			return Config{}, fmt.Errorf("parse listen.owner: %w", err)
		}
		cfg.Listen.Owner = owner
	}
	if meta.IsDefined("listen", "feed_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Listen.FeedTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse listen.feed_timeout: %w", err)
		}
		cfg.Listen.Transport.FeedTimeout = d
	}
	if meta.IsDefined("listen", "write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Listen.WriteTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse listen.write_timeout: %w", err)
		}
		cfg.Listen.Transport.WriteTimeout = d
	}
	if meta.IsDefined("listen", "read_buffer_size") {
		cfg.Listen.Transport.ReadBufferSize = raw.Listen.ReadBufferSize
	}
	if meta.IsDefined("listen", "reset_on_decode_error") {
		cfg.Listen.Transport.ResetOnDecodeError = raw.Listen.ResetOnDecodeError
	}
	if meta.IsDefined("listen", "tls") {
		cfg.Listen.Security = transport.Security{
			Mode: transport.SecurityMode(raw.Listen.TLS.SecurityMode),
			TLS: transport.TLSConfig{
				Enabled:  raw.Listen.TLS.Enabled,
				Mutual:   raw.Listen.TLS.Mutual,
				CertFile: strings.TrimSpace(raw.Listen.TLS.CertFile),
				KeyFile:  strings.TrimSpace(raw.Listen.TLS.KeyFile),
				CAFile:   strings.TrimSpace(raw.Listen.TLS.CAFile),
			},
		}
	}

	if meta.IsDefined("admin", "address") {
		cfg.Admin.Address = strings.TrimSpace(raw.Admin.Address)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CORSOrigins = normalizeList(raw.Admin.CORSOrigins)
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("storage", "root") {
		cfg.Storage.Root = strings.TrimSpace(raw.Storage.Root)
	}
	if meta.IsDefined("device", "name") {
		cfg.Device.Name = strings.TrimSpace(raw.Device.Name)
	}
	if meta.IsDefined("device", "properties") {
		for k, v := range raw.Device.Properties {
			cfg.Device.Properties[k] = v
		}
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	switch c.Listen.Network {
	case "tcp", "tcp4", "tcp6":
		if _, _, err := net.SplitHostPort(c.Listen.Address); err != nil {
			return fmt.Errorf("%w: listen.address: %v", ErrInvalid, err)
		}
	case "unix":
		if c.Listen.Address == "" {
			return fmt.Errorf("%w: listen.address required for unix sockets", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: listen.network %q", ErrInvalid, c.Listen.Network)
	}
	if c.Listen.Transport.FeedTimeout <= 0 {
		return fmt.Errorf("%w: listen.feed_timeout must be positive", ErrInvalid)
	}
	if c.Listen.Transport.WriteTimeout <= 0 {
		return fmt.Errorf("%w: listen.write_timeout must be positive", ErrInvalid)
	}
	if c.Listen.Transport.ReadBufferSize <= 0 {
		return fmt.Errorf("%w: listen.read_buffer_size must be positive", ErrInvalid)
	}
	if err := c.Listen.Security.ValidateServer(); err != nil {
		return err
	}
	if c.Admin.Address != "" {
		if _, _, err := net.SplitHostPort(c.Admin.Address); err != nil {
			return fmt.Errorf("%w: admin.address: %v", ErrInvalid, err)
		}
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("%w: storage.root is required", ErrInvalid)
	}
	if c.Device.Name == "" {
		return fmt.Errorf("%w: device.name is required", ErrInvalid)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendMemory  = "memory"
	BackendMongo   = "mongo"
	BackendLevelDB = "leveldb"
)

type (
	ServerConfig struct {
		Addr           string           `toml:"addr"`
		MaxConnections int              `toml:"max_connections"`
		Credential     CredentialConfig `toml:"credential"`
		Presence       PresenceConfig   `toml:"presence"`
		Store          StoreConfig      `toml:"store"`
		Redis          RedisConfig      `toml:"redis"`
		Log            LogConfig        `toml:"log"`
	}

	// CredentialConfig controls bearer credentials. Secret seeds the signing
	// key; left empty, a random key is used per process.
	CredentialConfig struct {
		Secret string        `toml:"secret"`
		TTL    time.Duration `toml:"ttl"`
	}

	PresenceConfig struct {
		SweepInterval  time.Duration `toml:"sweep_interval"`
		OfflineTimeout time.Duration `toml:"offline_timeout"`
	}

	StoreConfig struct {
		Backend string        `toml:"backend"`
		Mongo   MongoConfig   `toml:"mongo"`
		LevelDB LevelDBConfig `toml:"leveldb"`
	}

	MongoConfig struct {
		URI      string `toml:"uri"`
		Database string `toml:"database"`
	}

	LevelDBConfig struct {
		Path string `toml:"path"`
	}

	// RedisConfig enables the pairing mirror when Addr is set.
	RedisConfig struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	}

	LogConfig struct {
		Level       string `toml:"level"`
		Development bool   `toml:"development"`
	}

	ClientConfig struct {
		ServerURL   string        `toml:"server_url"`
		BaseDelay   time.Duration `toml:"base_delay"`
		MaxAttempts int           `toml:"max_attempts"`
		Log         LogConfig     `toml:"log"`
		LogFile     string        `toml:"log_file"`
	}
)

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           "localhost:9090",
		MaxConnections: 1024,
		Credential: CredentialConfig{
			TTL: 24 * time.Hour,
		},
		Presence: PresenceConfig{
			SweepInterval:  10 * time.Second,
			OfflineTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Mongo: MongoConfig{
				URI:      "mongodb://localhost:27017",
				Database: "pair_sync",
			},
			LevelDB: LevelDBConfig{
				Path: "data/identities",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:   "http://localhost:9090",
		BaseDelay:   time.Second,
		MaxAttempts: 5,
		Log: LogConfig{
			Level: "info",
		},
		LogFile: "client.log",
	}
}

// LoadServerConfig reads path over the defaults. An empty path yields the
// defaults.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := decode(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := decode(path, &cfg); err != nil {
		return ClientConfig{}, err
	}
	if err := ValidateClientConfig(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func decode(path string, out any) error {
	if path == "" {
		return nil
	}
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("server config missing addr")
	}
	if cfg.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if cfg.Credential.TTL <= 0 {
		return fmt.Errorf("credential ttl must be positive")
	}
	if cfg.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence sweep_interval must be positive")
	}
	if cfg.Presence.OfflineTimeout <= 0 {
		return fmt.Errorf("presence offline_timeout must be positive")
	}
	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendMongo:
		if strings.TrimSpace(cfg.Store.Mongo.URI) == "" || strings.TrimSpace(cfg.Store.Mongo.Database) == "" {
			return fmt.Errorf("mongo store requires uri and database")
		}
	case BackendLevelDB:
		if strings.TrimSpace(cfg.Store.LevelDB.Path) == "" {
			return fmt.Errorf("leveldb store requires path")
		}
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Redis.DB < 0 {
		return fmt.Errorf("redis db must not be negative")
	}
	return nil
}

func ValidateClientConfig(cfg ClientConfig) error {
	u, err := url.Parse(strings.TrimSpace(cfg.ServerURL))
	if err != nil {
		return fmt.Errorf("client config server_url invalid: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("client config server_url must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("client config server_url missing host")
	}
	if cfg.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive")
	}
	if cfg.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	return nil
}

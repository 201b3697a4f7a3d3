package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/messaging"
	"github.com/opd-ai/chainmsg/store"
)

// Config is the YAML configuration file. Zero values keep the defaults.
type Config struct {
	Network string `yaml:"network"`
	KeyFile string `yaml:"key_file"`

	RPC struct {
		Host       string `yaml:"host"`
		User       string `yaml:"user"`
		Pass       string `yaml:"pass"`
		DisableTLS bool   `yaml:"disable_tls"`
	} `yaml:"rpc"`

	Store struct {
		Backend       string `yaml:"backend"` // memory, sqlite or redis
		Path          string `yaml:"path"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
	} `yaml:"store"`

	Messaging struct {
		ChunkSize       int           `yaml:"chunk_size"`
		Cipher          string        `yaml:"cipher"`
		FallbackFeeRate int64         `yaml:"fallback_fee_rate"` // sat/kvB
		PollInterval    time.Duration `yaml:"poll_interval"`
		WaitCeiling     time.Duration `yaml:"wait_ceiling"`
		BatchSize       int           `yaml:"batch_size"`
		MaxAttempts     int           `yaml:"max_attempts"`
		MempoolCap      int           `yaml:"mempool_cap"`
	} `yaml:"messaging"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

func defaultConfig() *Config {
	c := &Config{Network: "mainnet", KeyFile: "chainmsg.key"}
	c.RPC.Host = "localhost:8332"
	c.Store.Backend = "sqlite"
	c.Store.Path = "chainmsg.db"
	c.Log.Level = "info"
	return c
}

// loadConfig overlays the YAML file at path on the defaults. A missing file
// is not an error.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// validateConfig checks the configuration before anything is opened.
func validateConfig(cfg *Config) error {
	if _, err := networkParams(cfg.Network); err != nil {
		return err
	}
	if cfg.KeyFile == "" {
		return errors.New("key file cannot be empty")
	}
	switch cfg.Store.Backend {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("sqlite store requires a path")
		}
	case "redis":
		if cfg.Store.RedisAddr == "" {
			return errors.New("redis store requires an address")
		}
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if _, err := crypto.ParseCipherSuite(cfg.Messaging.Cipher); err != nil {
		return err
	}
	if _, err := cfg.messagingConfig(); err != nil {
		return err
	}
	return nil
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

// messagingConfig applies the file's overrides to messaging.DefaultConfig.
func (c *Config) messagingConfig() (messaging.Config, error) {
	mc := messaging.DefaultConfig()
	m := c.Messaging

	suite, err := crypto.ParseCipherSuite(m.Cipher)
	if err != nil {
		return mc, err
	}
	mc.Cipher = suite
	if m.ChunkSize != 0 {
		mc.ChunkSize = m.ChunkSize
	}
	if m.FallbackFeeRate != 0 {
		mc.Funding.FallbackFeeRate = m.FallbackFeeRate
	}
	if m.PollInterval != 0 {
		mc.Funding.PollInterval = m.PollInterval
	}
	if m.WaitCeiling != 0 {
		mc.Funding.WaitCeiling = m.WaitCeiling
	}
	if m.BatchSize != 0 {
		mc.Broadcast.BatchSize = m.BatchSize
	}
	if m.MaxAttempts != 0 {
		mc.Broadcast.MaxAttempts = m.MaxAttempts
	}
	if m.MempoolCap != 0 {
		mc.Scan.MempoolCap = m.MempoolCap
	}
	return mc, mc.Validate()
}

// openStore opens the configured backend.
func (c *Config) openStore(ctx context.Context) (store.Store, error) {
	switch c.Store.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		st, err := store.OpenSQLite(c.Store.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "redis":
		st, err := store.OpenRedis(ctx, c.Store.RedisAddr, c.Store.RedisPassword, c.Store.RedisDB, "chainmsg")
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}

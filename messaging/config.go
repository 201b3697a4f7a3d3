package messaging

import (
	"errors"
	"fmt"

	"github.com/opd-ai/chainmsg/broadcast"
	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/funding"
	"github.com/opd-ai/chainmsg/inbox"
	"github.com/opd-ai/chainmsg/limits"
)

// Config aggregates the tunables of every component a Session builds.
type Config struct {
	ChunkSize   int
	Cipher      crypto.CipherSuite
	Funding     funding.Config
	Broadcast   broadcast.Config
	Scan        inbox.ScanConfig
	EventBuffer int

	// SendAttempts bounds how often a send re-allocates funding after
	// losing an output to a concurrent operation.
	SendAttempts int
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    limits.DefaultChunkSize,
		Cipher:       crypto.SuiteAESGCM,
		Funding:      funding.DefaultConfig(),
		Broadcast:    broadcast.DefaultConfig(),
		Scan:         inbox.DefaultScanConfig(),
		EventBuffer:  64,
		SendAttempts: 3,
	}
}

// Validate checks the configuration and every nested component config.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return errors.New("chunk size must be positive")
	}
	if c.ChunkSize > limits.DefaultChunkSize {
		return fmt.Errorf("chunk size %d exceeds %d", c.ChunkSize, limits.DefaultChunkSize)
	}
	if _, err := crypto.ParseCipherSuite(c.Cipher.String()); err != nil {
		return err
	}
	if c.EventBuffer < 0 {
		return errors.New("event buffer cannot be negative")
	}
	if c.SendAttempts <= 0 {
		return errors.New("send attempts must be positive")
	}
	if err := c.Funding.Validate(); err != nil {
		return fmt.Errorf("funding: %w", err)
	}
	if err := c.Broadcast.Validate(); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	if err := c.Scan.Validate(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

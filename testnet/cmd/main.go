// Package main runs the chain messaging integration scenario against the
// in-memory ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/testnet/internal"
)

// CLI configuration
type CLIConfig struct {
	mineInterval   time.Duration
	fundingAmount  int64
	overallTimeout time.Duration
	keyTimeout     time.Duration
	messageTimeout time.Duration
	pollInterval   time.Duration
	retryAttempts  int
	retryBackoff   time.Duration
	chunkSize      int
	cipher         string
	message        string
	logLevel       string
	logFile        string
	verbose        bool
	help           bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	config := &CLIConfig{}
	d := internal.DefaultTestConfig()

	// Ledger configuration
	fs.DurationVar(&config.mineInterval, "mine-interval", d.MineInterval, "Interval between simulated blocks")
	fs.Int64Var(&config.fundingAmount, "funding", d.FundingAmount, "Satoshis credited to each client")

	// Timeout configuration
	fs.DurationVar(&config.overallTimeout, "overall-timeout", d.OverallTimeout, "Overall test timeout")
	fs.DurationVar(&config.keyTimeout, "key-timeout", d.KeyTimeout, "Time allowed for key announcements to confirm")
	fs.DurationVar(&config.messageTimeout, "message-timeout", d.MessageTimeout, "Message delivery timeout")
	fs.DurationVar(&config.pollInterval, "poll-interval", d.PollInterval, "Inbox and key poll interval")

	// Retry configuration
	fs.IntVar(&config.retryAttempts, "retry-attempts", d.RetryAttempts, "Number of retry attempts for operations")
	fs.DurationVar(&config.retryBackoff, "retry-backoff", d.RetryBackoff, "Initial backoff duration for retries")

	// Messaging configuration
	fs.IntVar(&config.chunkSize, "chunk-size", d.ChunkSize, "Envelope characters per chunk transaction")
	fs.StringVar(&config.cipher, "cipher", "", "AEAD suite (aes-256-gcm, xchacha20)")
	fs.StringVar(&config.message, "message", d.MessageText, "Text Bob sends to Alice")

	// Logging configuration
	fs.StringVar(&config.logLevel, "log-level", d.LogLevel, "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&config.logFile, "log-file", "", "Log file path (default: stdout)")
	fs.BoolVar(&config.verbose, "verbose", true, "Enable verbose output")

	fs.BoolVar(&config.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

// printUsage prints the usage information.
func printUsage(fs *flag.FlagSet) {
	fmt.Println("Chain Messaging Integration Suite")
	fmt.Println("=================================")
	fmt.Println()
	fmt.Println("Runs a complete messaging exchange on a simulated ledger:")
	fmt.Println("  • Ledger initialization with a background miner")
	fmt.Println("  • Wallet funding and key announcement")
	fmt.Println("  • Funding split and chunk broadcast")
	fmt.Println("  • Inbox scan, reassembly and decryption")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fs.SetOutput(os.Stdout)
	fs.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  # Run with default settings\n")
	fmt.Printf("  %s\n", os.Args[0])
	fmt.Println()
	fmt.Printf("  # Faster blocks and the XChaCha20 suite\n")
	fmt.Printf("  %s -mine-interval 100ms -cipher xchacha20\n", os.Args[0])
	fmt.Println()
	fmt.Printf("  # Run with log file and reduced verbosity\n")
	fmt.Printf("  %s -log-file test.log -verbose=false\n", os.Args[0])
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if config.mineInterval <= 0 {
		return fmt.Errorf("mine interval must be positive")
	}
	if config.fundingAmount <= 0 {
		return fmt.Errorf("funding amount must be positive")
	}
	if config.overallTimeout <= 0 {
		return fmt.Errorf("overall timeout must be positive")
	}
	if config.messageTimeout <= 0 {
		return fmt.Errorf("message timeout must be positive")
	}
	if config.retryAttempts < 0 {
		return fmt.Errorf("retry attempts cannot be negative")
	}
	if config.retryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive")
	}
	if config.chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}
	if _, err := crypto.ParseCipherSuite(config.cipher); err != nil {
		return err
	}
	return nil
}

// createTestConfig converts CLI configuration to internal test configuration.
func createTestConfig(cliConfig *CLIConfig) *internal.TestConfig {
	return &internal.TestConfig{
		MineInterval:   cliConfig.mineInterval,
		FundingAmount:  cliConfig.fundingAmount,
		OverallTimeout: cliConfig.overallTimeout,
		KeyTimeout:     cliConfig.keyTimeout,
		MessageTimeout: cliConfig.messageTimeout,
		PollInterval:   cliConfig.pollInterval,
		RetryAttempts:  cliConfig.retryAttempts,
		RetryBackoff:   cliConfig.retryBackoff,
		ChunkSize:      cliConfig.chunkSize,
		Cipher:         cliConfig.cipher,
		MessageText:    cliConfig.message,
		LogLevel:       cliConfig.logLevel,
		LogFile:        cliConfig.logFile,
		VerboseOutput:  cliConfig.verbose,
	}
}

// setupSignalHandling sets up graceful shutdown on interrupt signals.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	go func() {
		sig := <-sigChan
		fmt.Printf("\n🛑 Received signal %v, initiating graceful shutdown...\n", sig)
		cancel()
	}()
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	cliConfig, err := parseCLIFlags(fs, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if cliConfig.help {
		printUsage(fs)
		os.Exit(0)
	}

	if level, err := logrus.ParseLevel(cliConfig.logLevel); err == nil {
		logrus.SetLevel(level)
	}

	if err := validateCLIConfig(cliConfig); err != nil {
		logrus.WithFields(logrus.Fields{
			"error":   err.Error(),
			"context": "configuration_validation",
		}).Error("Configuration error")
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}

	orchestrator, err := internal.NewTestOrchestrator(createTestConfig(cliConfig))
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to create test orchestrator: %v\n", err)
		os.Exit(1)
	}

	if err := orchestrator.ValidateConfiguration(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	fmt.Println("🚀 Starting Chain Messaging Integration Suite...")
	fmt.Println()

	results, err := orchestrator.RunTests(ctx)

	exitCode := 0
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n❌ Test execution failed: %v\n", err)
		exitCode = 1
	} else if results.FinalStatus != internal.TestStatusPassed {
		fmt.Fprintf(os.Stderr, "\n❌ Test suite completed with failures\n")
		exitCode = 1
	} else {
		fmt.Println("\n🎉 Test suite completed successfully!")
	}

	if results != nil {
		fmt.Printf("\n📊 Summary: %d tests, %d passed, %d failed (execution time: %v)\n",
			results.TotalTests, results.PassedTests, results.FailedTests, results.ExecutionTime)
	}

	cancel()
	orchestrator.Close()
	os.Exit(exitCode)
}

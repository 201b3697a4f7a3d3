package internal

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/crypto"
)

// TestOrchestrator manages the complete test execution workflow.
type TestOrchestrator struct {
	config    *TestConfig
	logger    *logrus.Logger
	logFile   *os.File
	startTime time.Time
	results   *TestResults
}

// TestConfig holds configuration for the entire test suite.
type TestConfig struct {
	// Ledger configuration
	MineInterval  time.Duration
	FundingAmount int64

	// Timeout configuration
	OverallTimeout time.Duration
	KeyTimeout     time.Duration
	MessageTimeout time.Duration
	PollInterval   time.Duration

	// Retry configuration
	RetryAttempts int
	RetryBackoff  time.Duration

	// Messaging configuration
	ChunkSize   int
	Cipher      string
	MessageText string

	// Logging configuration
	LogLevel      string
	LogFile       string
	VerboseOutput bool
}

// TestResults holds the outcomes of test execution.
type TestResults struct {
	TotalTests    int
	PassedTests   int
	FailedTests   int
	SkippedTests  int
	ExecutionTime time.Duration
	TestSteps     []TestStepResult
	FinalStatus   TestStatus
	ErrorDetails  string
}

// TestStepResult represents the result of an individual test step.
type TestStepResult struct {
	StepName      string
	Status        TestStatus
	ExecutionTime time.Duration
	ErrorMessage  string
}

// TestStatus represents the status of a test or test step.
type TestStatus int

const (
	TestStatusPending TestStatus = iota
	TestStatusRunning
	TestStatusPassed
	TestStatusFailed
	TestStatusSkipped
	TestStatusTimeout
)

// String returns a string representation of the test status.
func (ts TestStatus) String() string {
	switch ts {
	case TestStatusPending:
		return "PENDING"
	case TestStatusRunning:
		return "RUNNING"
	case TestStatusPassed:
		return "PASSED"
	case TestStatusFailed:
		return "FAILED"
	case TestStatusSkipped:
		return "SKIPPED"
	case TestStatusTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// DefaultTestConfig returns a default configuration for the test suite.
func DefaultTestConfig() *TestConfig {
	p := DefaultProtocolConfig()
	return &TestConfig{
		MineInterval:   p.MineInterval,
		FundingAmount:  p.FundingAmount,
		OverallTimeout: 5 * time.Minute,
		KeyTimeout:     p.KeyTimeout,
		MessageTimeout: p.MessageTimeout,
		PollInterval:   p.PollInterval,
		RetryAttempts:  p.RetryAttempts,
		RetryBackoff:   p.RetryBackoff,
		ChunkSize:      p.ChunkSize,
		MessageText:    p.MessageText,
		LogLevel:       "INFO",
		VerboseOutput:  true,
	}
}

// NewTestOrchestrator creates a new test orchestrator.
func NewTestOrchestrator(config *TestConfig) (*TestOrchestrator, error) {
	if config == nil {
		config = DefaultTestConfig()
	}

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if level, err := logrus.ParseLevel(config.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	to := &TestOrchestrator{
		config: config,
		logger: logger,
		results: &TestResults{
			TestSteps:   make([]TestStepResult, 0),
			FinalStatus: TestStatusPending,
		},
	}

	if config.LogFile != "" {
		f, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		to.logFile = f
		logger.SetOutput(f)
	}
	return to, nil
}

// RunTests executes the complete test suite.
func (to *TestOrchestrator) RunTests(ctx context.Context) (*TestResults, error) {
	to.startTime = time.Now()
	to.results.FinalStatus = TestStatusRunning

	to.logger.Info("🧪 Chain Messaging Integration Suite")
	to.logger.Infof("⏰ Test execution started at %s", to.startTime.Format(time.RFC3339))

	if to.config.VerboseOutput {
		to.logConfiguration()
	}

	testCtx, cancel := context.WithTimeout(ctx, to.config.OverallTimeout)
	defer cancel()

	err := to.executeTestWorkflow(testCtx)
	to.results.ExecutionTime = time.Since(to.startTime)

	switch {
	case err != nil && testCtx.Err() == context.DeadlineExceeded:
		to.results.FinalStatus = TestStatusTimeout
		to.results.ErrorDetails = err.Error()
		to.results.FailedTests = 1
	case err != nil:
		to.results.FinalStatus = TestStatusFailed
		to.results.ErrorDetails = err.Error()
		to.results.FailedTests = 1
	default:
		to.results.FinalStatus = TestStatusPassed
		to.results.PassedTests = 1
	}
	to.results.TotalTests = 1

	to.generateFinalReport()
	return to.results, err
}

// executeTestWorkflow runs the core test workflow.
func (to *TestOrchestrator) executeTestWorkflow(ctx context.Context) error {
	cipher, err := crypto.ParseCipherSuite(to.config.Cipher)
	if err != nil {
		return err
	}

	protocolSuite := NewProtocolTestSuite(&ProtocolConfig{
		MineInterval:   to.config.MineInterval,
		FundingAmount:  to.config.FundingAmount,
		KeyTimeout:     to.config.KeyTimeout,
		MessageTimeout: to.config.MessageTimeout,
		PollInterval:   to.config.PollInterval,
		RetryAttempts:  to.config.RetryAttempts,
		RetryBackoff:   to.config.RetryBackoff,
		ChunkSize:      to.config.ChunkSize,
		Cipher:         cipher,
		MessageText:    to.config.MessageText,
		Logger:         logrus.NewEntry(to.logger).WithField("component", "protocol"),
	})
	defer func() {
		if err := protocolSuite.Cleanup(); err != nil {
			to.logger.Warnf("⚠️  Cleanup warning: %v", err)
		}
	}()

	return to.executeWithStepTracking("Complete Messaging Test", func() error {
		return protocolSuite.ExecuteTest(ctx)
	})
}

// executeWithStepTracking executes a test step with result tracking.
func (to *TestOrchestrator) executeWithStepTracking(stepName string, operation func() error) error {
	stepStart := time.Now()
	to.logger.Infof("🎯 Executing: %s", stepName)

	stepResult := TestStepResult{StepName: stepName, Status: TestStatusRunning}
	err := operation()
	stepResult.ExecutionTime = time.Since(stepStart)

	if err != nil {
		stepResult.Status = TestStatusFailed
		stepResult.ErrorMessage = err.Error()
		to.logger.Errorf("❌ %s failed: %v", stepName, err)
	} else {
		stepResult.Status = TestStatusPassed
		to.logger.Infof("✅ %s completed in %v", stepName, stepResult.ExecutionTime)
	}

	to.results.TestSteps = append(to.results.TestSteps, stepResult)
	return err
}

// logConfiguration prints the current test configuration.
func (to *TestOrchestrator) logConfiguration() {
	to.logger.WithFields(logrus.Fields{
		"mine_interval":   to.config.MineInterval,
		"funding_amount":  to.config.FundingAmount,
		"overall_timeout": to.config.OverallTimeout,
		"key_timeout":     to.config.KeyTimeout,
		"message_timeout": to.config.MessageTimeout,
		"poll_interval":   to.config.PollInterval,
		"retry_attempts":  to.config.RetryAttempts,
		"retry_backoff":   to.config.RetryBackoff,
		"chunk_size":      to.config.ChunkSize,
		"cipher":          to.config.Cipher,
	}).Info("📋 Test Configuration")
}

// generateFinalReport logs the summary, step details and final status.
func (to *TestOrchestrator) generateFinalReport() {
	to.logger.Info("📊 Test Execution Summary")
	to.logger.Infof("🎯 Overall Status: %s", to.results.FinalStatus)
	to.logger.Infof("⏱️  Total Execution Time: %v", to.results.ExecutionTime)
	to.logger.Infof("📈 Tests: %d total, %d passed, %d failed, %d skipped",
		to.results.TotalTests, to.results.PassedTests, to.results.FailedTests, to.results.SkippedTests)

	for _, step := range to.results.TestSteps {
		to.logger.Infof("   %s %s (%v)", statusIcon(step.Status), step.StepName, step.ExecutionTime)
		if step.ErrorMessage != "" {
			to.logger.Infof("      Error: %s", step.ErrorMessage)
		}
	}

	if to.results.FinalStatus == TestStatusPassed {
		to.logger.Info("🎉 All tests completed successfully!")
		to.logger.Info("✅ Key directory: RESOLVED")
		to.logger.Info("✅ Funding split and chunk broadcast: ACCEPTED")
		to.logger.Info("✅ Inbox reassembly: VERIFIED")
	} else {
		to.logger.Warn("⚠️  Test execution completed with failures")
		if to.results.ErrorDetails != "" {
			to.logger.Warnf("   %s", to.results.ErrorDetails)
		}
	}
	to.logger.Infof("🏁 Test run completed at %s", time.Now().Format(time.RFC3339))
	to.logger.Info(strings.Repeat("=", 50))
}

func statusIcon(status TestStatus) string {
	switch status {
	case TestStatusFailed, TestStatusTimeout:
		return "❌"
	case TestStatusSkipped:
		return "⏭️"
	default:
		return "✅"
	}
}

// GetResults returns the current test results.
func (to *TestOrchestrator) GetResults() *TestResults {
	return to.results
}

// ValidateConfiguration validates the test configuration.
func (to *TestOrchestrator) ValidateConfiguration() error {
	switch {
	case to.config.MineInterval <= 0:
		return fmt.Errorf("mine interval must be positive")
	case to.config.FundingAmount <= 0:
		return fmt.Errorf("funding amount must be positive")
	case to.config.OverallTimeout <= 0:
		return fmt.Errorf("overall timeout must be positive")
	case to.config.MessageTimeout <= 0:
		return fmt.Errorf("message timeout must be positive")
	case to.config.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive")
	case to.config.RetryAttempts < 0:
		return fmt.Errorf("retry attempts cannot be negative")
	case to.config.RetryBackoff <= 0:
		return fmt.Errorf("retry backoff must be positive")
	case to.config.MessageText == "":
		return fmt.Errorf("message text cannot be empty")
	}
	if _, err := crypto.ParseCipherSuite(to.config.Cipher); err != nil {
		return err
	}
	return nil
}

// SetLogOutput configures the logger output destination.
func (to *TestOrchestrator) SetLogOutput(output io.Writer) {
	to.logger.SetOutput(output)
}

// SetVerbose enables or disables verbose logging.
func (to *TestOrchestrator) SetVerbose(verbose bool) {
	to.config.VerboseOutput = verbose
}

// Close releases the log file, if one was opened.
func (to *TestOrchestrator) Close() error {
	if to.logFile == nil {
		return nil
	}
	return to.logFile.Close()
}

// Command chainmsg sends and receives end-to-end encrypted messages carried
// by ledger transactions.
//
//	chainmsg [-config file] [-log-level level] [-log-file file] <command> [args]
//
// Commands:
//
//	keygen [-force]        create a new identity key
//	address                print the identity's address
//	publish                announce the public key on the ledger
//	resolve <address>      look up another address's published key
//	send <address> <text>  send a message
//	inbox [-watch d]       list received messages, optionally polling every d
//	read <id>              mark a message as read
//	delete <id>            hide a message from the inbox
//	demo                   run a two-party exchange on an in-memory ledger
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/inbox"
	"github.com/opd-ai/chainmsg/messaging"
	"github.com/opd-ai/chainmsg/rpc"
	"github.com/opd-ai/chainmsg/wallet"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logFile    string
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		cancel()
	}()

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("chainmsg", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var g globalFlags
	fs.StringVar(&g.configPath, "config", "chainmsg.yaml", "YAML configuration file")
	fs.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&g.logFile, "log-file", "", "Log file path (default: stderr)")
	fs.Usage = func() { usage(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		usage(fs, stderr)
		return 2
	}

	cfg, err := loadConfig(g.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "❌ %v\n", err)
		return 1
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFile != "" {
		cfg.Log.File = g.logFile
	}
	closeLog, err := configureLogging(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "❌ %v\n", err)
		return 1
	}
	defer closeLog()

	if err := validateConfig(cfg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"context":  "configuration_validation",
			"error":    err.Error(),
		}).Error("Invalid configuration")
		fmt.Fprintf(stderr, "❌ Configuration error: %v\n", err)
		return 1
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if err := dispatch(ctx, cfg, cmd, rest, stdout); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"command":  cmd,
			"error":    err.Error(),
		}).Error("Command failed")
		fmt.Fprintf(stderr, "❌ %s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "Usage: chainmsg [options] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands: keygen, address, publish, resolve, send, inbox, read, delete, demo")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fs.PrintDefaults()
}

func configureLogging(cfg *Config, stderr io.Writer) (func(), error) {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Log.Level)
	}
	logrus.SetLevel(level)
	logrus.SetOutput(stderr)

	if cfg.Log.File == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(f)
	return func() {
		logrus.SetOutput(stderr)
		f.Close()
	}, nil
}

func dispatch(ctx context.Context, cfg *Config, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "keygen":
		return cmdKeygen(cfg, args, out)
	case "address":
		return cmdAddress(cfg, out)
	case "demo":
		return runDemo(ctx, cfg, out)
	case "publish", "resolve", "send", "inbox", "read", "delete":
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	s, cleanup, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	switch cmd {
	case "publish":
		return cmdPublish(ctx, s, out)
	case "resolve":
		return cmdResolve(ctx, s, args, out)
	case "send":
		return cmdSend(ctx, s, args, out)
	case "inbox":
		return cmdInbox(ctx, s, args, out)
	case "read":
		if len(args) != 1 {
			return errors.New("usage: read <id>")
		}
		return s.MarkRead(ctx, args[0])
	default: // delete
		if len(args) != 1 {
			return errors.New("usage: delete <id>")
		}
		return s.Delete(ctx, args[0])
	}
}

func identity(cfg *Config) (*wallet.Wallet, error) {
	params, err := networkParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	keys, err := loadKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return wallet.New(keys, params)
}

// openSession connects to the node and opens the store.
func openSession(ctx context.Context, cfg *Config) (*messaging.Session, func(), error) {
	w, err := identity(cfg)
	if err != nil {
		return nil, nil, err
	}
	params := w.Params()

	node, err := rpc.New(rpc.Config{
		Host:       cfg.RPC.Host,
		User:       cfg.RPC.User,
		Pass:       cfg.RPC.Pass,
		DisableTLS: cfg.RPC.DisableTLS,
		Params:     params,
	})
	if err != nil {
		return nil, nil, err
	}
	st, err := cfg.openStore(ctx)
	if err != nil {
		node.Close()
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	mc, err := cfg.messagingConfig()
	if err != nil {
		node.Close()
		st.Close()
		return nil, nil, err
	}

	s, err := messaging.NewSession(mc, messaging.Dependencies{
		Wallet:  w,
		Builder: w,
		Ledger:  node,
		Fees:    node,
		Store:   st,
		Params:  params,
	})
	if err != nil {
		node.Close()
		st.Close()
		return nil, nil, err
	}
	go printProgress(s.Events())

	return s, func() {
		s.Close()
		node.Close()
	}, nil
}

func printProgress(events <-chan messaging.Event) {
	for e := range events {
		logrus.WithFields(logrus.Fields{
			"function":     "printProgress",
			"operation_id": e.OperationID,
			"stage":        e.Stage,
			"current":      e.Current,
			"total":        e.Total,
		}).Info(e.Detail)
	}
}

func cmdKeygen(cfg *Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	force := fs.Bool("force", false, "Overwrite an existing key file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	keys, err := generateKey(cfg.KeyFile, *force)
	if err != nil {
		return err
	}
	params, _ := networkParams(cfg.Network)
	w, err := wallet.New(keys, params)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(out, "✓ key written to %s\n", cfg.KeyFile)
	fmt.Fprintf(out, "  address:    %s\n", w.OwnAddress())
	fmt.Fprintf(out, "  public key: %s\n", keys.PublicKeyHex())
	return nil
}

func cmdAddress(cfg *Config, out io.Writer) error {
	w, err := identity(cfg)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, w.OwnAddress())
	return nil
}

func cmdPublish(ctx context.Context, s *messaging.Session, out io.Writer) error {
	txid, err := s.PublishKey(ctx)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(out, "✓ public key announced in %s\n", txid)
	return nil
}

func cmdResolve(ctx context.Context, s *messaging.Session, args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: resolve <address>")
	}
	pub, err := s.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	if pub == nil {
		color.New(color.FgYellow).Fprintf(out, "no key published by %s\n", args[0])
		return nil
	}
	fmt.Fprintf(out, "%x\n", pub.SerializeCompressed())
	return nil
}

func cmdSend(ctx context.Context, s *messaging.Session, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errors.New("usage: send <address> <text>")
	}
	res, err := s.Send(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	if res.SplitTxID != "" {
		fmt.Fprintf(out, "  funding split: %s\n", res.SplitTxID)
	}
	fee := btcutil.Amount(int64(res.Chunks) * s.Quote(ctx).PerOutput)
	if res.Complete() {
		color.New(color.FgGreen).Fprintf(out, "✓ message %s sent in %d chunks (~%s)\n", res.MessageID, res.Chunks, fee)
		return nil
	}
	color.New(color.FgYellow).Fprintf(out, "⚠ message %s partially sent: %d of %d chunks accepted\n",
		res.MessageID, res.Broadcast.Succeeded, res.Broadcast.Attempted)
	return nil
}

func cmdInbox(ctx context.Context, s *messaging.Session, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("inbox", flag.ContinueOnError)
	watch := fs.Duration("watch", 0, "Keep polling at this interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *watch > 0 {
		for r := range s.Watch(ctx, *watch) {
			printResult(out, r)
		}
		return nil
	}

	results, err := s.Inbox(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(out, "inbox is empty")
		return nil
	}
	for _, r := range results {
		printResult(out, r)
	}
	return nil
}

func printResult(out io.Writer, r inbox.Result) {
	ts := r.Timestamp.Format(time.RFC3339)
	switch {
	case r.Status == inbox.StatusError:
		color.New(color.FgRed).Fprintf(out, "✗ %s  %s  [%s] %v\n", ts, r.ID, r.ErrorKind, r.Err)
	case !r.Verified:
		color.New(color.FgYellow).Fprintf(out, "? %s  %s  from %s (unverified)\n", ts, r.ID, r.Sender)
		fmt.Fprintf(out, "    %s\n", r.Content)
	default:
		marker := "●"
		if r.Status == inbox.StatusRead {
			marker = " "
		}
		color.New(color.FgGreen).Fprintf(out, "%s %s  %s  from %s\n", marker, ts, r.ID, r.Sender)
		fmt.Fprintf(out, "    %s\n", r.Content)
	}
}

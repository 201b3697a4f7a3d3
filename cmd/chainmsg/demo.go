package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chainmsg/crypto"
	"github.com/opd-ai/chainmsg/inbox"
	"github.com/opd-ai/chainmsg/messaging"
	"github.com/opd-ai/chainmsg/testnet"
	"github.com/opd-ai/chainmsg/wallet"
)

const (
	demoMineInterval = 200 * time.Millisecond
	demoFunding      = 1_000_000
	demoTimeout      = 30 * time.Second
)

type demoParty struct {
	name    string
	session *messaging.Session
}

// runDemo exchanges one message between two fresh identities on an
// in-memory ledger. The configured messaging options apply.
func runDemo(ctx context.Context, cfg *Config, out io.Writer) error {
	mc, err := cfg.messagingConfig()
	if err != nil {
		return err
	}
	mc.Funding.PollInterval = 100 * time.Millisecond
	mc.Funding.WaitCeiling = demoTimeout
	mc.Broadcast.RetryMin = 10 * time.Millisecond
	mc.Broadcast.RetryMax = 50 * time.Millisecond
	mc.Broadcast.BatchPauseMin = 10 * time.Millisecond
	mc.Broadcast.BatchPauseMax = 50 * time.Millisecond
	mc.Scan.BatchPause = 0

	ctx, cancel := context.WithTimeout(ctx, 2*demoTimeout)
	defer cancel()

	chain := testnet.NewChain(testnet.DefaultConfig())
	go chain.RunMiner(ctx, demoMineInterval)

	alice, err := newDemoParty("alice", chain, mc)
	if err != nil {
		return err
	}
	defer alice.session.Close()
	bob, err := newDemoParty("bob", chain, mc)
	if err != nil {
		return err
	}
	defer bob.session.Close()

	bold := color.New(color.Bold)
	bold.Fprintln(out, "chainmsg demo")
	fmt.Fprintf(out, "  alice: %s\n  bob:   %s\n", alice.session.Address(), bob.session.Address())

	for _, p := range []*demoParty{alice, bob} {
		if _, err := chain.Fund(p.session.Address(), demoFunding); err != nil {
			return fmt.Errorf("fund %s: %w", p.name, err)
		}
	}

	txid, err := bob.session.PublishKey(ctx)
	if err != nil {
		return fmt.Errorf("bob publish: %w", err)
	}
	fmt.Fprintf(out, "  bob announced key in %s\n", txid)
	if err := waitForKey(ctx, alice.session, bob.session.Address()); err != nil {
		return err
	}

	text := fmt.Sprintf("hello bob, it is %s", time.Now().UTC().Format(time.Kitchen))
	res, err := alice.session.Send(ctx, bob.session.Address(), text)
	if err != nil {
		return fmt.Errorf("alice send: %w", err)
	}
	fmt.Fprintf(out, "  alice sent %s in %d chunks\n", res.MessageID, res.Chunks)

	got, err := waitForMessage(ctx, bob.session)
	if err != nil {
		return err
	}
	printResult(out, got)

	if got.Content != text || !got.Verified {
		return fmt.Errorf("bob received %q (verified=%v), want %q", got.Content, got.Verified, text)
	}
	color.New(color.FgGreen).Fprintf(out, "✓ delivered in %d blocks\n", chain.Height())
	return nil
}

func newDemoParty(name string, chain *testnet.Chain, mc messaging.Config) (*demoParty, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	w, err := wallet.New(keys, chain.Params())
	if err != nil {
		return nil, err
	}
	s, err := messaging.NewSession(mc, messaging.Dependencies{
		Wallet:  w,
		Builder: w,
		Ledger:  chain,
		Fees:    chain,
		Params:  chain.Params(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s session: %w", name, err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "newDemoParty",
		"name":     name,
		"address":  w.OwnAddress(),
	}).Debug("Demo identity created")
	return &demoParty{name: name, session: s}, nil
}

func waitForKey(ctx context.Context, s *messaging.Session, address string) error {
	ticker := time.NewTicker(demoMineInterval)
	defer ticker.Stop()
	for {
		if pub, err := s.Resolve(ctx, address); err == nil && pub != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("key for %s never confirmed: %w", address, ctx.Err())
		case <-ticker.C:
		}
	}
}

func waitForMessage(ctx context.Context, s *messaging.Session) (inbox.Result, error) {
	ticker := time.NewTicker(demoMineInterval)
	defer ticker.Stop()
	for {
		results, err := s.Inbox(ctx)
		if err == nil && len(results) > 0 {
			return results[0], nil
		}
		select {
		case <-ctx.Done():
			return inbox.Result{}, fmt.Errorf("message never arrived: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

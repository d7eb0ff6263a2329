// Package main is the entry point for cogfabricd.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/familyos/cogfabric/internal/buildinfo"
	"github.com/familyos/cogfabric/internal/bus"
	"github.com/familyos/cogfabric/internal/collab"
	"github.com/familyos/cogfabric/internal/config"
	"github.com/familyos/cogfabric/internal/delivery"
	"github.com/familyos/cogfabric/internal/envelope"
	"github.com/familyos/cogfabric/internal/episodic"
	"github.com/familyos/cogfabric/internal/gate"
	"github.com/familyos/cogfabric/internal/receipts"
	"github.com/familyos/cogfabric/internal/segmentation"
	"github.com/familyos/cogfabric/internal/temporal"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "request":
			if flag.NArg() < 3 {
				fmt.Fprintln(os.Stderr, "usage: cogfabricd request <space_id> <text>")
				os.Exit(1)
			}
			runRequest(logger, *configPath, flag.Arg(1), flag.Args()[2:])
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("cogfabricd - cognitive event fabric daemon")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the bus, attention gate, and episodic store")
	fmt.Println("  request  Evaluate a single request through the gate (for testing)")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// core is the fully wired set of collaborators: bus, attention gate,
// episodic store, and receipt ledger. Both the long-running "serve"
// command and the one-shot "request" command build one of these the
// same way, so the wiring only lives in one place.
type core struct {
	cfg          *config.Config
	bus          *bus.Bus
	gate         *gate.Gate
	store        *episodic.Store
	receiptChain *receipts.Chain
	receiptStore *receipts.Store
}

// buildCore loads config and constructs every collaborator, but does
// not subscribe the episodic store or start the bus pumping — callers
// decide whether they need the full running daemon (runServe) or just
// a gate to evaluate one request against (runRequest).
func buildCore(logger *slog.Logger, configPath string) (*core, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, logger, fmt.Errorf("config: %w", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, logger, fmt.Errorf("failed to load config %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, logger, fmt.Errorf("invalid log_level in config: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}
	logger.Info("config loaded", "path", cfgPath, "data_dir", cfg.DataDir, "bus_root", cfg.Bus.RootPath)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, logger, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	b, err := bus.New(bus.Options{RootPath: cfg.Bus.RootPath, Logger: logger})
	if err != nil {
		return nil, logger, fmt.Errorf("construct bus: %w", err)
	}

	segEngine := segmentation.NewEngine(segmentationConfigFrom(cfg))
	store, err := episodic.Open(episodic.Options{
		RootPath:   cfg.DataDir,
		Segmenter:  segEngine,
		Phrases:    phraseWindowsFrom(cfg),
		HalfLifeMs: cfg.Temporal.HalfLifeMs,
		Logger:     logger,
	})
	if err != nil {
		return nil, logger, fmt.Errorf("open episodic store: %w", err)
	}
	logger.Info("episodic store opened", "path", cfg.DataDir)

	receiptStore, err := receipts.OpenStore(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, logger, fmt.Errorf("open receipt store: %w", err)
	}

	g := gate.New(cfg.Gate, collab.NoopPolicyEngine{}, b, logger)

	return &core{
		cfg:          cfg,
		bus:          b,
		gate:         g,
		store:        store,
		receiptChain: receipts.New(collab.NoopSigner{}),
		receiptStore: receiptStore,
	}, logger, nil
}

func (c *core) Close() {
	c.receiptStore.Close()
	c.store.Close()
}

// runServe wires config -> bus -> gate -> episodic store and runs
// until a shutdown signal arrives.
func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting cogfabricd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	c, logger, err := buildCore(logger, configPath)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	defer c.Close()

	subOpts := subscriptionOptionsFrom(c.cfg)
	if _, err := c.bus.Subscribe("hippo.encode", "episodic", episodicHandler(c.store), subOpts); err != nil {
		logger.Error("failed to subscribe episodic store to hippo.encode", "error", err)
		os.Exit(1)
	}
	if _, err := c.bus.Subscribe("hippo.write", "episodic", episodicHandler(c.store), subOpts); err != nil {
		logger.Error("failed to subscribe episodic store to hippo.write", "error", err)
		os.Exit(1)
	}
	if _, err := c.bus.Subscribe(auditTopic, "receipts", auditReceiptHandler(c.receiptChain, c.receiptStore), subOpts); err != nil {
		logger.Error("failed to subscribe receipt ledger to gate audit trail", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.bus.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()
	c.bus.Stop(10 * time.Second)
	logger.Info("cogfabricd stopped")
}

// runRequest builds the same core as runServe, but only uses it to
// evaluate a single ad hoc request through the gate and print the
// resulting decision — a CLI smoke test for the admission cascade,
// with no bus pumping or subscriptions started.
func runRequest(logger *slog.Logger, configPath, spaceID string, words []string) {
	c, logger, err := buildCore(logger, configPath)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
	defer c.Close()

	text := words[0]
	for _, w := range words[1:] {
		text += " " + w
	}

	req := gate.Request{
		RequestID:     envelope.NewEventIDAt(time.Now()),
		SpaceID:       spaceID,
		Text:          text,
		Band:          envelope.BandGreen,
		PolicyVersion: "v1",
		TraceID:       envelope.NewEventIDAt(time.Now()),
	}

	decision, err := c.gate.Evaluate(context.Background(), req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}

// auditTopic mirrors the gate's fixed audit destination.
const auditTopic = "gate.decisions.audit"

// episodicHandler adapts episodic.Store.AppendEvent to delivery.Handler.
func episodicHandler(store *episodic.Store) delivery.Handler {
	return func(ctx context.Context, e *envelope.Event) error {
		_, err := store.AppendEvent(ctx, *e)
		return err
	}
}

// auditReceiptHandler issues a chained decision receipt for every
// gate audit trace that reaches the bus.
func auditReceiptHandler(chain *receipts.Chain, store *receipts.Store) delivery.Handler {
	return func(ctx context.Context, e *envelope.Event) error {
		var d gate.Decision
		if err := decodePayload(e, &d); err != nil {
			return err
		}
		chainID := receipts.DecisionChainID(e.Meta.SpaceID)
		r, err := chain.IssueDecision(chainID, receipts.DecisionSubjectFromDecision(d))
		if err != nil {
			return fmt.Errorf("receipts: issue decision receipt: %w", err)
		}
		return store.Append(r)
	}
}

func decodePayload(e *envelope.Event, v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func segmentationConfigFrom(cfg *config.Config) segmentation.Config {
	seg := cfg.Episodic.Segmentation
	return segmentation.Config{
		TauT:   time.Duration(seg.TauTMs) * time.Millisecond,
		Window: seg.Window,
		Weights: segmentation.Weights{
			Alpha: seg.Weights.Alpha,
			Beta:  seg.Weights.Beta,
			Gamma: seg.Weights.Gamma,
			Delta: seg.Weights.Delta,
			Eta:   seg.Weights.Eta,
		},
		HardCut:          time.Duration(seg.HardCutMs) * time.Millisecond,
		SoftCutThreshold: seg.SoftCutThreshold,
		MicroSession:     segmentation.DefaultConfig().MicroSession,
	}
}

func phraseWindowsFrom(cfg *config.Config) []temporal.PhraseWindow {
	windows := make([]temporal.PhraseWindow, 0, len(cfg.Temporal.Phrases))
	for name, span := range cfg.Temporal.Phrases {
		start, end, err := parseHourSpan(span)
		if err != nil {
			continue
		}
		windows = append(windows, temporal.PhraseWindow{Name: name, StartHour: start, EndHour: end})
	}
	return windows
}

// parseHourSpan parses a "HH:MM-HH:MM" config span into inclusive
// start/end hours, the granularity temporal.PhraseWindow uses.
func parseHourSpan(span string) (start, end int, err error) {
	var startMin, endMin int
	n, err := fmt.Sscanf(span, "%d:%d-%d:%d", &start, &startMin, &end, &endMin)
	if err != nil || n != 4 {
		return 0, 0, fmt.Errorf("invalid phrase window %q", span)
	}
	return start, end, nil
}

func subscriptionOptionsFrom(cfg *config.Config) delivery.Options {
	d := cfg.Subscription.Default
	return delivery.Options{
		Workers:       4,
		MaxInflight:   64,
		AckDeadlineMs: d.AckDeadlineMs,
		MaxRetries:    d.MaxRetries,
		Backoff: delivery.Backoff{
			BaseMs: d.BackoffBaseMs,
			Mult:   d.BackoffMult,
			MaxMs:  d.BackoffMaxMs,
			Jitter: delivery.Jitter(d.Jitter),
		},
		Start:  delivery.Start{Kind: delivery.StartEarliest},
		Commit: delivery.CommitPolicy{Kind: delivery.CommitPerEvent},
	}
}

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/api"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/auth"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/config"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/crypto"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/escalation"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/llm"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/observability"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/pipeline"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/policy"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/pricing"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/soc"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/store"
	"github.com/carlos-bernal-exa/SOCinthePocket/pkg/store/redisindex"
)

// approvalSweepInterval paces the fallback scan that expires approval
// requests whose in-process timers were lost to a restart.
const approvalSweepInterval = 30 * time.Second

// nullSource serves deployments without a case index. Enrichment then
// works from request-supplied entities only and finds no neighbors, so
// no run ever descends into investigation.
type nullSource struct{}

func (nullSource) FetchCase(context.Context, string) (*soc.CaseSummary, error) {
	return nil, nil
}

func (nullSource) FetchRelatedCases(context.Context, []string) ([]soc.RelatedCase, error) {
	return nil, nil
}

// runServeCmd wires the full service and blocks until SIGINT/SIGTERM.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = wiring or listener failure
//	2 = usage error
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var addr string
	cmd.StringVar(&addr, "addr", "", "Listen address (overrides PORT)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if addr == "" {
		addr = cfg.Addr()
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	fmt.Fprintf(stdout, "%sSOC in the Pocket starting...%s\n", ColorBold+ColorBlue, ColorReset)
	ctx := context.Background()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.Insecure = cfg.OTelInsecure

	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: observability init: %v\n", err)
		return 1
	}

	backend, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "Error: store init: %v\n", err)
		return 1
	}
	defer backend.Close()
	if cfg.DatabaseURL == "" {
		fmt.Fprintf(stdout, "ℹ️  DATABASE_URL not set. Using the %sin-process store%s; cases will not survive a restart.\n", ColorBold+ColorCyan, ColorReset)
	}

	ring, err := openKeyRing(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: signing keyring: %v\n", err)
		return 1
	}
	active, err := ring.Active()
	if err != nil {
		fmt.Fprintf(stderr, "Error: signing keyring: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "🔑 Signing key %s: %s%s%s\n", active.KeyVersion(), ColorBold+ColorGreen, active.PublicKey(), ColorReset)

	table := pricing.DefaultTable()
	if cfg.PricingFile != "" {
		table, err = pricing.LoadTable(cfg.PricingFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: pricing table: %v\n", err)
			return 1
		}
	}
	accountant := pricing.NewAccountant(table)

	var engine *policy.Engine
	if cfg.PolicyFile != "" {
		rules, err := policy.LoadRules(cfg.PolicyFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: policy rules: %v\n", err)
			return 1
		}
		engine, err = policy.NewEngine(rules)
		if err != nil {
			fmt.Fprintf(stderr, "Error: policy engine: %v\n", err)
			return 1
		}
		logger.Info("policy rules loaded", "file", cfg.PolicyFile, "rules", len(rules))
	}

	approvals := escalation.NewManager(backend).WithDefaultTTL(cfg.ApprovalTTL)

	var (
		source  pipeline.CaseSource = nullSource{}
		indexer pipeline.CaseIndexer
	)
	if cfg.RedisAddr != "" {
		idx := redisindex.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer idx.Close()
		if err := idx.Ping(ctx); err != nil {
			logger.Warn("case index unreachable; lookups will retry per run", "addr", cfg.RedisAddr, "error", err)
		}
		source = idx
		indexer = idx
	}

	models, err := cfg.StageModels()
	if err != nil {
		fmt.Fprintf(stderr, "Error: stage models: %v\n", err)
		return 1
	}

	invoker := llm.NewResilient(llm.NewOpenAIInvoker(cfg.LLMBaseURL, cfg.LLMAPIKey), cfg.StageTimeout)

	orc, err := pipeline.New(pipeline.Config{
		Cases:        backend,
		Steps:        backend,
		Approvals:    approvals,
		Signer:       ring,
		Accountant:   accountant,
		Invoker:      invoker,
		Source:       source,
		Indexer:      indexer,
		Policy:       engine,
		Models:       models,
		StageTimeout: cfg.StageTimeout,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: pipeline init: %v\n", err)
		return 1
	}

	srv, err := api.NewServer(api.Config{
		Orchestrator:  orc,
		Backend:       backend,
		Approvals:     approvals,
		Keys:          ring,
		RatePerSecond: cfg.RatePerSecond,
		RateBurst:     cfg.RateBurst,
		Logger:        logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: api init: %v\n", err)
		return 1
	}

	handler := srv.Handler()
	if cfg.AuthSecret != "" {
		handler = auth.NewMiddleware(auth.NewJWTValidator([]byte(cfg.AuthSecret)))(handler)
	} else {
		logger.Warn("AUTH_SECRET not set; API authentication is disabled")
	}
	handler = auth.CORSMiddleware(nil)(handler)
	handler = obs.HTTPMiddleware(handler)

	// Fail over approvals orphaned by a previous process, then keep
	// sweeping in case a timer is ever lost.
	if expired, err := approvals.CheckTimeouts(ctx); err != nil {
		logger.Warn("approval sweep failed", "error", err)
	} else if len(expired) > 0 {
		logger.Info("expired orphaned approvals", "count", len(expired))
	}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweepApprovals(sweepCtx, approvals, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(addr, handler)
	}()

	fmt.Fprintf(stdout, "✅ Ready: http://localhost%s\n", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "Error: server: %v\n", err)
			return 1
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	if err := obs.Shutdown(shutCtx); err != nil {
		logger.Error("observability shutdown incomplete", "error", err)
	}
	return 0
}

// openKeyRing derives the signing keyring from SIGNING_SEED, or from a
// throwaway random seed when none is configured. Steps signed under a
// throwaway seed stop verifying as soon as the process exits.
func openKeyRing(cfg *config.Config, logger *slog.Logger) (*crypto.KeyRing, error) {
	if cfg.SigningSeed != "" {
		seed, err := hex.DecodeString(cfg.SigningSeed)
		if err != nil {
			return nil, fmt.Errorf("SIGNING_SEED is not valid hex: %w", err)
		}
		return crypto.NewKeyRingFromSeed(seed, cfg.KeyGenerations)
	}

	logger.Warn("SIGNING_SEED not set; using an ephemeral signing key")
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate ephemeral seed: %w", err)
	}
	return crypto.NewKeyRingFromSeed(seed, cfg.KeyGenerations)
}

// sweepApprovals expires overdue approval requests on a fixed cadence.
func sweepApprovals(ctx context.Context, approvals *escalation.Manager, logger *slog.Logger) {
	tick := time.NewTicker(approvalSweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if _, err := approvals.CheckTimeouts(ctx); err != nil {
				logger.Warn("approval sweep failed", "error", err)
			}
		}
	}
}

// newLogger builds the process logger: JSON lines on stderr with
// trace/span ids attached whenever a span is active.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(observability.NewTraceHandler(inner))
}

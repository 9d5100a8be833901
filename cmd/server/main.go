package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/loa-labs/loa-finn/internal/agent"
	"github.com/loa-labs/loa-finn/internal/api"
	"github.com/loa-labs/loa-finn/internal/apikey"
	"github.com/loa-labs/loa-finn/internal/auth"
	"github.com/loa-labs/loa-finn/internal/billing"
	"github.com/loa-labs/loa-finn/internal/budget"
	"github.com/loa-labs/loa-finn/internal/config"
	"github.com/loa-labs/loa-finn/internal/payment"
	"github.com/loa-labs/loa-finn/internal/persona"
	"github.com/loa-labs/loa-finn/internal/ratelimit"
	"github.com/loa-labs/loa-finn/internal/sandbox"
	"github.com/loa-labs/loa-finn/internal/schedule"
	"github.com/loa-labs/loa-finn/internal/store"
	"github.com/loa-labs/loa-finn/internal/upstream"
	"github.com/loa-labs/loa-finn/internal/workerpool"
)

func main() {
	configPath := flag.String("config", os.Getenv("FINN_CONFIG"), "path to finn.yaml")
	flag.Parse()

	_ = godotenv.Load()

	log.Println("Starting loa-finn gateway...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Shared state store.
	st, err := store.NewRedisStore(cfg.Store.Addr, "", cfg.Store.DB,
		time.Duration(cfg.Store.OpTimeoutMs)*time.Millisecond)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	// 2. Identity: JWKS cache, replay guard, validator.
	jwksCache := auth.NewJWKSCache(auth.JWKSConfig{
		URL:            cfg.Auth.JWKSURL,
		StaleThreshold: time.Duration(cfg.Auth.StaleThresholdMin) * time.Minute,
		MaxStaleness:   time.Duration(cfg.Auth.MaxStalenessHours) * time.Hour,
		Publisher:      st,
	})
	refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := jwksCache.Refresh(refreshCtx); err != nil {
		log.Printf("jwks: initial fetch failed, starting DEGRADED: %v", err)
	}
	cancel()

	validator := auth.NewValidator(auth.ValidatorConfig{
		JWKS:    jwksCache,
		Issuers: cfg.Auth.Issuers,
		Skew:    time.Duration(cfg.Auth.ClockSkewSec) * time.Second,
		Replay:  auth.NewStoreReplayGuard(st, cfg.Store.KeyPrefix),
	})

	// 3. API keys: Postgres when configured, in-memory otherwise.
	var keyStore apikey.KeyStore
	if cfg.Secrets.DatabaseURL != "" {
		pg, err := apikey.NewPostgresStore(cfg.Secrets.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		keyStore = pg
	} else {
		log.Println("FINN_DATABASE_URL unset; API keys are in-memory and lost on restart")
		keyStore = apikey.NewMemoryStore()
	}
	keys := apikey.NewManager(apikey.ManagerConfig{
		Store:     keyStore,
		Pepper:    []byte(cfg.Secrets.APIKeyPepper),
		Publisher: st,
	})

	// 4. Payment matrix.
	limiter := ratelimit.New(ratelimit.Config{
		Store:  st,
		Prefix: cfg.Store.KeyPrefix,
		Limits: tierLimits(cfg),
	})
	minter := payment.NewChallengeMinter(payment.MinterConfig{
		Secret:      []byte(cfg.Secrets.ChallengeSecret),
		AmountMicro: cfg.Payment.ChallengeAmountMicro,
		Recipient:   cfg.Payment.Recipient,
		ChainID:     cfg.Payment.ChainID,
		Token:       cfg.Payment.Token,
		TTL:         time.Duration(cfg.Payment.ChallengeTTLSec) * time.Second,
	})
	var verifier payment.ReceiptVerifier
	if cfg.Payment.VerifierURL != "" {
		verifier = payment.NewHTTPVerifier(cfg.Payment.VerifierURL, 5*time.Second)
	}
	decider := payment.NewDecider(payment.DeciderConfig{
		FreePaths: []string{"/health", "/llms.txt", "/.well-known/jwks.json"},
		Keys:      keys,
		Limiter:   limiter,
		Verifier:  verifier,
		Minter:    minter,
		Store:     st,
		Prefix:    cfg.Store.KeyPrefix,
	})

	// 5. Hub client and budget reconciler.
	signer := upstream.NewSigner(cfg.Upstream.KeyID,
		cfg.Secrets.S2SSecret, cfg.Secrets.S2SSecretSecondary)
	hub := upstream.NewClient(upstream.Config{
		BaseURL:   cfg.Upstream.BaseURL,
		Signer:    signer,
		Timeout:   time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond,
		RetryBase: time.Duration(cfg.Upstream.RetryBaseMs) * time.Millisecond,
	})
	limits := make(map[string]int64, len(cfg.Budget.Tenants))
	for _, t := range cfg.Budget.Tenants {
		limits[t.ID] = t.LimitMicro
	}
	reconciler := budget.New(hub, limits, budget.Config{
		DriftThresholdMicro: cfg.Budget.DriftThresholdMicro,
		HeadroomPct:         cfg.Budget.FailOpenHeadroomPct,
		AbsCapMicro:         cfg.Budget.FailOpenAbsCapMicro,
		MaxFailOpenDuration: time.Duration(cfg.Budget.FailOpenMaxDurationMs) * time.Millisecond,
		Store:               st,
		Prefix:              cfg.Store.KeyPrefix,
	})

	// 6. Worker pool, sandbox, agent invoker.
	pool, err := workerpool.New(workerpool.Config{
		InteractiveWorkers: cfg.Pool.InteractiveWorkers,
		QueueDepth:         cfg.Pool.QueueDepth,
		HardTimeout:        time.Duration(cfg.Pool.HardTimeoutMs) * time.Millisecond,
		ShutdownDeadline:   time.Duration(cfg.Pool.ShutdownDeadlineMs) * time.Millisecond,
		JailRoot:           cfg.Sandbox.JailRoot,
		WorkerCommand:      cfg.Pool.WorkerCommand,
	})
	if err != nil {
		log.Fatalf("worker pool: %v", err)
	}
	defer pool.Shutdown()

	var executor *sandbox.Executor
	if cfg.Sandbox.Enabled {
		executor, err = sandbox.New(sandbox.Config{
			Enabled:  true,
			JailRoot: cfg.Sandbox.JailRoot,
			Audit:    sandbox.NewAuditLog(cfg.Sandbox.AuditPath),
			Pool:     pool,
		})
		if err != nil {
			log.Fatalf("sandbox: %v", err)
		}
	}

	adapter := os.Getenv("FINN_ADAPTER_BINARY")
	if adapter == "" {
		adapter = "agent-adapter"
	}
	invoker := agent.NewInvoker(agent.NewRegistry(), pool, agent.Config{
		AdapterBinary: adapter,
		BaseEnv:       providerEnv(),
	})

	// 7. Billing.
	ledger, err := billing.NewLedger(cfg.Billing.LedgerPath)
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}
	defer ledger.Close()

	// 8. Recurring jobs.
	scheduler := schedule.New()
	for _, tenant := range reconciler.Tenants() {
		scheduler.Register(schedule.Task{
			ID:       "budget-poll:" + tenant,
			Interval: time.Duration(cfg.Budget.PollIntervalMs) * time.Millisecond,
			Jitter:   time.Duration(cfg.Budget.PollIntervalMs) * time.Millisecond / 10,
			Handler: func(ctx context.Context) error {
				return reconciler.Poll(ctx, tenant)
			},
		})
	}
	scheduler.Register(schedule.Task{
		ID:       "apikey-cache-sweep",
		Interval: time.Minute,
		Handler: func(context.Context) error {
			keys.SweepCache()
			return nil
		},
	})
	scheduler.Register(schedule.Task{
		ID:       "jwks-refresh",
		Interval: time.Duration(cfg.Auth.StaleThresholdMin) * time.Minute / 2,
		Jitter:   30 * time.Second,
		Handler:  jwksCache.Refresh,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// 9. HTTP surface.
	server := api.NewServer(api.Deps{
		Config:    cfg,
		Validator: validator,
		JWKS:      jwksCache,
		Decider:   decider,
		Keys:      keys,
		Budget:    reconciler,
		Hub:       hub,
		Invoker:   invoker,
		Personas:  persona.NewStaticProvider(nil),
		Pricing:   billing.NewPricing(nil),
		Ledger:    ledger,
		Sandbox:   executor,
		Pool:      pool,
	})

	if err := server.Start(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
	log.Println("Shutdown complete.")
}

// tierLimits maps the YAML tier table onto the limiter's domain.
func tierLimits(cfg *config.Config) map[ratelimit.Tier]ratelimit.Limit {
	t := cfg.RateLimit.Tiers
	return map[ratelimit.Tier]ratelimit.Limit{
		ratelimit.TierFreePerIP:      {MaxRequests: t.FreePerIP.MaxRequests, WindowMs: t.FreePerIP.WindowMs},
		ratelimit.TierX402PerWallet:  {MaxRequests: t.X402PerWallet.MaxRequests, WindowMs: t.X402PerWallet.WindowMs},
		ratelimit.TierChallengePerIP: {MaxRequests: t.ChallengePerIP.MaxRequests, WindowMs: t.ChallengePerIP.WindowMs},
		ratelimit.TierAPIKeyDefault:  {MaxRequests: t.APIKeyDefault.MaxRequests, WindowMs: t.APIKeyDefault.WindowMs},
	}
}

// providerEnv forwards upstream credentials to the adapter by name; nothing
// else from our environment crosses the process boundary.
func providerEnv() map[string]string {
	env := make(map[string]string)
	for _, name := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		if v := os.Getenv(name); v != "" {
			env[name] = v
		}
	}
	return env
}

// cmd/api runs the claim verification service: it wires every dependency
// in leaf-first order (cache, audit, evidence, vector index, model gateway
// -> consensus -> pipeline orchestrator -> HITL gate -> HTTP API) and serves
// the spec.md §6 route table.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/shield/verify/internal/apiserver"
	"github.com/shield/verify/internal/audit"
	"github.com/shield/verify/internal/cache"
	"github.com/shield/verify/internal/config"
	"github.com/shield/verify/internal/consensus"
	"github.com/shield/verify/internal/database"
	"github.com/shield/verify/internal/events"
	"github.com/shield/verify/internal/evidence"
	"github.com/shield/verify/internal/fabric"
	"github.com/shield/verify/internal/hitl"
	"github.com/shield/verify/internal/middleware"
	"github.com/shield/verify/internal/modelgw"
	"github.com/shield/verify/internal/multitenancy"
	"github.com/shield/verify/internal/pipeline"
	"github.com/shield/verify/internal/quota"
	"github.com/shield/verify/internal/signing"
	"github.com/shield/verify/internal/vectorindex"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using process environment", "error", err)
	}
	cfg := config.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- leaf dependency: Postgres (checkpoints, HITL tickets, proof chain, audit) ---
	var db *sql.DB
	if cfg.Database.PostgresDSN != "" {
		var err error
		db, err = sql.Open("postgres", cfg.Database.PostgresDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		if err := db.PingContext(ctx); err != nil {
			logger.Warn("postgres ping failed, falling back to in-memory stores", "error", err)
			db.Close()
			db = nil
		} else {
			defer db.Close()
		}
	} else {
		logger.Warn("DATABASE_URL not set, running with in-memory checkpoint/HITL stores")
	}

	// --- leaf dependency: Supabase (tenants, API keys) ---
	supabaseClient, err := database.NewSupabaseClient()
	if err != nil {
		logger.Error("supabase client init failed", "error", err)
		os.Exit(1)
	}
	tenantManager := multitenancy.NewTenantManager(supabaseClient)

	// --- leaf dependency: Cache ---
	var appCache pipeline.Cache
	if cfg.Redis.Enabled {
		rc, err := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("redis cache unavailable, running without cache", "error", err)
			appCache = cache.NewDisabled(logger)
		} else {
			defer rc.Close()
			appCache = rc
		}
	} else {
		appCache = cache.NewDisabled(logger)
	}

	// --- leaf dependency: Audit Ledger ---
	auditLedger := audit.New(db, logger)
	if db == nil {
		logger.Warn("audit ledger has no database, stage events will not be durably recorded")
	}

	// --- leaf dependency: Evidence Store ---
	signer, err := loadSigner(cfg.Evidence.SigningKeyHex, logger)
	if err != nil {
		logger.Error("evidence signer init failed", "error", err)
		os.Exit(1)
	}
	var evidenceBackend evidence.Backend
	if db != nil {
		evidenceBackend = evidence.NewPostgresBackend(db)
	} else {
		evidenceBackend = evidence.NewMemoryBackend()
	}
	evidenceStore := evidence.NewStore(evidenceBackend, signer, logger)

	// --- leaf dependency: Vector Index (Spanner-backed claim embeddings) ---
	var vecIndex pipeline.VectorIndex
	if cfg.Spanner.InstanceID != "" && cfg.Spanner.DatabaseID != "" {
		idx, err := vectorindex.New(ctx, cfg.Spanner.ProjectID, cfg.Spanner.InstanceID, cfg.Spanner.DatabaseID, logger)
		if err != nil {
			logger.Error("vector index init failed", "error", err)
			os.Exit(1)
		}
		vecIndex = idx
	} else {
		logger.Error("spanner not configured, vector index is required for the Search stage")
		os.Exit(1)
	}

	// --- leaf dependency: Model Inference Gateway ---
	endpoints := make([]modelgw.Endpoint, 0, len(cfg.ModelGW.Endpoints))
	for _, e := range cfg.ModelGW.Endpoints {
		endpoints = append(endpoints, modelgw.Endpoint{ModelID: e.ModelID, Addr: e.Addr, Weight: e.Weight})
	}
	gateway, err := modelgw.New(endpoints, time.Duration(cfg.ModelGW.TimeoutSec)*time.Second, logger)
	if err != nil {
		logger.Error("model gateway init failed", "error", err)
		os.Exit(1)
	}

	// --- Consensus Engine ---
	consensusEngine := consensus.NewEngine(logger)

	// --- Stage event fan-out ---
	var eventBus pipeline.EventEmitter
	if cfg.PubSub.Enabled && cfg.PubSub.ProjectID != "" {
		bus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			logger.Warn("pubsub event bus unavailable, stage events stay in-process only", "error", err)
			eventBus = events.NewEventBus()
		} else {
			defer bus.Close()
			eventBus = bus
		}
	} else {
		eventBus = events.NewEventBus()
	}

	// --- HITL Gate ---
	var hitlStore hitl.Store
	if db != nil {
		hitlStore = hitl.NewPostgresStore(db)
	} else {
		hitlStore = hitl.NewMemoryStore()
	}
	gate := hitl.New(hitlStore, logger)
	if cfg.CloudTasks.Enabled && cfg.CloudTasks.ProjectID != "" {
		scheduler, err := hitl.NewCloudTasksScheduler(cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID, cfg.CloudTasks.QueueID, cfg.CloudTasks.CallbackURL, logger)
		if err != nil {
			logger.Warn("cloud tasks scheduler unavailable, HITL deadlines enforced in-process only", "error", err)
		} else {
			gate.SetScheduler(scheduler)
			defer scheduler.Close()
		}
	}
	if n, err := gate.RecoverPending(ctx); err != nil {
		logger.Warn("hitl recover pending failed", "error", err)
	} else if n > 0 {
		logger.Info("hitl recovered pending tickets", "count", n)
	}

	// --- Pipeline Orchestrator ---
	var checkpointStore pipeline.CheckpointStore
	if db != nil {
		checkpointStore = pipeline.NewPostgresCheckpointStore(db)
	} else {
		checkpointStore = pipeline.NewMemoryCheckpointStore()
	}
	deps := pipeline.Deps{
		VectorIndex:  vecIndex,
		ModelGateway: gateway,
		Consensus:    consensusEngine,
		Evidence:     evidenceStore,
		Audit:        auditLedger,
		Cache:        appCache,
		HITL:         gate,
		Events:       eventBus,
	}
	orchestrator := pipeline.New(checkpointStore, deps, logger)

	// A deadline reached with no reviewer answer is a rejection, not a stall:
	// resume the suspended instance straight to Sign with a synthetic denial.
	gate.SetExpiryHandler(func(expireCtx context.Context, ticketID string) {
		if err := orchestrator.ResumeFromHITL(expireCtx, ticketID, pipeline.ReviewDecision{Approved: false}); err != nil {
			logger.Error("hitl expiry resume failed", "ticket_id", ticketID, "error", err)
		}
	})

	// --- Claim status fan-out (fabric) ---
	hub := fabric.NewHub("shield-api", getEnvOr("SHIELD_REGION", "local"), "default")
	if cfg.Redis.Enabled {
		adapter := fabric.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if pingErr := adapter.Ping(ctx); pingErr != nil {
			logger.Warn("redis unavailable for fabric, claim updates stay single-pod", "error", pingErr)
		} else {
			defer adapter.Close()
			hub.SetStore(fabric.NewRedisHubStore(adapter, "shield:hub:", 10*time.Minute))
			hub.SetFabricEventBus(fabric.NewRedisEventBus(adapter, "shield:fabric:"))
			logger.Info("fabric wired to redis for cross-pod claim fan-out")
		}
	}

	// --- Quota Ledger ---
	quotaLedger := quota.New(quota.DefaultPricing)

	// --- Rate limiter ---
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 300})

	server := &apiserver.Server{
		Orchestrator: orchestrator,
		HITL:         gate,
		Consensus:    consensusEngine,
		Evidence:     evidenceStore,
		Tenants:      tenantManager,
		Quota:        quotaLedger,
		Hub:          hub,
		RateLimiter:  rateLimiter,
		Logger:       logger,
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.GetPort(),
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("claim verification api starting", "port", cfg.GetPort())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// loadSigner loads the proof-signing key from config if set, otherwise
// generates an ephemeral one for the process lifetime (fine for a single
// instance; multi-instance deployments must pin EVIDENCE_SIGNING_KEY_HEX so
// every pod signs with the same key the proof chain was started under).
func loadSigner(hexKey string, logger *slog.Logger) (*signing.Signer, error) {
	if hexKey != "" {
		return signing.NewSigner(hexKey)
	}
	logger.Warn("EVIDENCE_SIGNING_KEY_HEX not set, generating an ephemeral signing key")
	return signing.GenerateSigner()
}

func getEnvOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

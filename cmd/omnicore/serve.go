package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/omnicore/internal/assembler"
	"github.com/memohai/omnicore/internal/audit"
	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/channel/adapters/web"
	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/crm"
	"github.com/memohai/omnicore/internal/handlers"
	"github.com/memohai/omnicore/internal/healthcheck"
	channelchecker "github.com/memohai/omnicore/internal/healthcheck/checkers/channel"
	storechecker "github.com/memohai/omnicore/internal/healthcheck/checkers/store"
	"github.com/memohai/omnicore/internal/identity"
	"github.com/memohai/omnicore/internal/inbound"
	"github.com/memohai/omnicore/internal/knowledge"
	"github.com/memohai/omnicore/internal/llm"
	"github.com/memohai/omnicore/internal/logger"
	"github.com/memohai/omnicore/internal/orchestrator"
	"github.com/memohai/omnicore/internal/persona"
	"github.com/memohai/omnicore/internal/security"
	"github.com/memohai/omnicore/internal/server"
	"github.com/memohai/omnicore/internal/tenant"
	"github.com/memohai/omnicore/internal/tools"
)

const (
	eventPruneSchedule = "@daily"
	eventRetention     = 7 * 24 * time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook, widget and admin HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		runServe(cfg)
		return nil
	},
}

func runServe(cfg config.Config) {
	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideDBConn,
			provideRedis,
			providePublishers,
			provideModel,
			provideKnowledgeStore,
			providePersonas,
			provideWebHub,
			provideChannelRegistry,
			tenant.NewStore,
			provideTenantResolver,
			provideIdentityStore,
			provideIdentityResolver,
			audit.NewStore,
			provideGate,
			provideToolRegistry,
			provideCRMSyncer,
			provideAssembler,
			provideOrchestrator,
			provideDeliveryCore,
			provideInboundPipeline,
			provideServerHandler(providePingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(provideAdminHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideWidgetHandler),
			provideServer,
		),
		fx.Invoke(
			seedTenants,
			startInboundPipeline,
			startRetryProcessor,
			startEventPruner,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Registrar)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

// provideLogger hands out the logger configured by loadConfig.
func provideLogger() *slog.Logger {
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*sql.DB, error) {
	conn, err := openDatabase(context.Background(), cfg.Database)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return conn.Close() }})
	return conn, nil
}

// provideRedis returns nil when redis is not configured.
func provideRedis(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled() {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis connected", slog.String("addr", cfg.Redis.Addr))
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return rdb.Close() }})
	return rdb, nil
}

func providePublishers(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (publishers, error) {
	pubs, closeFn, err := openPublishers(context.Background(), log, cfg.AMQP)
	if err != nil {
		return publishers{}, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return closeFn() }})
	return pubs, nil
}

func provideModel(log *slog.Logger, cfg config.Config) (*llm.GeminiClient, error) {
	return llm.NewGeminiClient(context.Background(), log, cfg.LLM)
}

func provideKnowledgeStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, conn *sql.DB) (knowledge.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Knowledge.Backend)) {
	case "", "sql":
		return knowledge.NewSQLStore(conn), nil
	case "qdrant":
		store, err := knowledge.NewQdrantStore(context.Background(), log, cfg.Qdrant)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return store.Close() }})
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported knowledge backend: %s", cfg.Knowledge.Backend)
	}
}

func providePersonas(cfg config.Config) (*persona.Catalog, error) {
	return persona.Load(cfg.Persona.File)
}

func provideWebHub(log *slog.Logger, cfg config.Config, rdb *redis.Client) (web.Hub, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Web.Hub)) {
	case "", "memory":
		return web.NewMemoryHub(), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("web hub redis requires [redis] addr")
		}
		return web.NewRedisHub(rdb, log), nil
	default:
		return nil, fmt.Errorf("unsupported web hub: %s", cfg.Web.Hub)
	}
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config, hub web.Hub, model *llm.GeminiClient) (*channel.Registry, error) {
	return buildRegistry(log, cfg, hub, model)
}

func provideTenantResolver(log *slog.Logger, cfg config.Config, store *tenant.Store, rdb *redis.Client) *tenant.Resolver {
	var shared tenant.Cache
	if rdb != nil {
		shared = tenant.NewRedisCache(rdb)
	}
	ttl := time.Duration(cfg.Inbound.TenantCacheTTLSeconds) * time.Second
	return tenant.NewResolver(log, store, shared, ttl)
}

func provideIdentityStore(cfg config.Config, conn *sql.DB) (*identity.Store, error) {
	cipher, err := identity.NewFieldCipher(cfg.Database.FieldKey)
	if err != nil {
		return nil, err
	}
	return identity.NewStore(conn, cipher), nil
}

func provideIdentityResolver(log *slog.Logger, cfg config.Config, store *identity.Store, recorder *audit.Store) *identity.Resolver {
	return identity.NewResolver(log, store, recorder, identity.ParseFuzzyPolicy(cfg.Identity.FuzzyMatch))
}

func provideGate(log *slog.Logger, recorder *audit.Store) *security.Gate {
	return security.NewGate(log, recorder)
}

func provideToolRegistry(log *slog.Logger, cfg config.Config, conn *sql.DB, identities *identity.Store, pubs publishers, recorder *audit.Store) (*tools.Registry, error) {
	window := time.Duration(cfg.Payments.WindowMinutes) * time.Minute
	return tools.NewDefaultRegistry(log, recorder, tools.Builtins{
		Payments:     tools.NewPaymentLinks(conn, tools.TemplateLinkProvider{Template: cfg.Payments.LinkTemplate}, cfg.Payments.Currency, window),
		Appointments: tools.NewAppointments(conn, identities),
		Handoffs:     tools.NewHandoffs(log, identities, pubs.CRM),
	})
}

func provideCRMSyncer(log *slog.Logger, pubs publishers) *crm.Syncer {
	return crm.NewSyncer(log, pubs.CRM)
}

func provideAssembler(log *slog.Logger, cfg config.Config, personas *persona.Catalog, store knowledge.Store, identities *identity.Store) *assembler.Assembler {
	return assembler.New(log, personas, store, identities, cfg.Assembler)
}

func provideOrchestrator(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, gate *security.Gate, asm *assembler.Assembler, model *llm.GeminiClient, registry *tools.Registry, identities *identity.Store, syncer *crm.Syncer) *orchestrator.Orchestrator {
	orch := orchestrator.New(log, orchestrator.Deps{
		Gate:      gate,
		Assembler: asm,
		Model:     model,
		Tools:     registry,
		Turns:     identities,
		CRM:       syncer,
	}, cfg.LLM.Timeout())
	// Background lead scoring writes through the identity store.
	lc.Append(waitOnStop(orch))
	return orch
}

func provideDeliveryCore(log *slog.Logger, cfg config.Config, conn *sql.DB, registry *channel.Registry, pubs publishers) deliveryCore {
	return buildDeliveryCore(log, cfg, conn, registry, pubs.Alerts)
}

type pipelineParams struct {
	fx.In

	Logger       *slog.Logger
	Config       config.Config
	Conn         *sql.DB
	Registry     *channel.Registry
	Tenants      *tenant.Resolver
	Resolver     *identity.Resolver
	Identities   *identity.Store
	Orchestrator *orchestrator.Orchestrator
	Delivery     deliveryCore
	Audit        *audit.Store
}

func provideInboundPipeline(p pipelineParams) *inbound.Pipeline {
	return inbound.NewPipeline(p.Logger, inbound.Deps{
		Normalizer:   p.Registry,
		Tenants:      p.Tenants,
		Identities:   p.Resolver,
		Store:        p.Identities,
		Orchestrator: p.Orchestrator,
		Dispatcher:   p.Delivery.Dispatcher,
		Queue:        p.Delivery.Queue,
		Events:       inbound.NewEventLog(p.Conn),
		Audit:        p.Audit,
	}, p.Config.Inbound, p.Config.Identity.SerializeTurn)
}

func providePingHandler(log *slog.Logger, conn *sql.DB, core deliveryCore, registry *channel.Registry, rdb *redis.Client, pipeline *inbound.Pipeline) *handlers.PingHandler {
	var redisPing storechecker.RedisPinger
	if rdb != nil {
		redisPing = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	return handlers.NewPingHandler(log,
		storechecker.NewChecker(log, conn, core.Queue, core.Processor.MaxAttempts(), redisPing),
		channelchecker.NewChecker(log, registry),
		healthcheck.CheckerFunc(func(context.Context) []healthcheck.CheckResult {
			return []healthcheck.CheckResult{backlogCheck(pipeline.Backlog())}
		}),
	)
}

// backlogCheck warns once the inbound queue is three quarters full.
func backlogCheck(queued, capacity int) healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:       "inbound_queue",
		Type:     "queue",
		Status:   healthcheck.StatusOK,
		Summary:  fmt.Sprintf("%d of %d slots in use.", queued, capacity),
		Metadata: map[string]any{"queued": queued, "capacity": capacity},
	}
	if capacity > 0 && queued*4 >= capacity*3 {
		item.Status = healthcheck.StatusWarn
	}
	return item
}

func provideAuthHandler(log *slog.Logger, cfg config.Config, recorder *audit.Store) (*handlers.AuthHandler, error) {
	return handlers.NewAuthHandler(log, cfg.Admin, cfg.Auth, recorder)
}

func provideAdminHandler(log *slog.Logger, core deliveryCore, identities *identity.Store, recorder *audit.Store, tenants *tenant.Store, resolver *tenant.Resolver, registry *channel.Registry) *handlers.AdminHandler {
	return handlers.NewAdminHandler(log, handlers.AdminDeps{
		Queue:      core.Queue,
		Processor:  core.Processor,
		Identities: identities,
		Audit:      recorder,
		Bindings:   tenants,
		Resolver:   resolver,
		Registry:   registry,
	})
}

func provideWebhookHandler(log *slog.Logger, registry *channel.Registry, pipeline *inbound.Pipeline) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, registry, pipeline)
}

func provideWidgetHandler(log *slog.Logger, cfg config.Config, hub web.Hub, pipeline *inbound.Pipeline) *handlers.WidgetHandler {
	return handlers.NewWidgetHandler(log, hub, pipeline, cfg.Server.AllowedOrigins)
}

type serverParams struct {
	fx.In

	Logger   *slog.Logger
	Config   config.Config
	Handlers []server.Registrar `group:"server_handlers"`
}

func provideServer(params serverParams) (*server.Server, error) {
	secret := strings.TrimSpace(params.Config.Auth.JWTSecret)
	if secret == "" {
		return nil, errors.New("auth jwt_secret is required")
	}
	return server.NewServer(params.Logger, params.Config.Server, secret, params.Handlers...), nil
}

func seedTenants(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, store *tenant.Store) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := tenant.Seed(ctx, store, cfg.Tenants); err != nil {
				return fmt.Errorf("seed tenants: %w", err)
			}
			log.Info("tenants seeded", slog.Int("count", len(cfg.Tenants)))
			return nil
		},
	})
}

func startInboundPipeline(lc fx.Lifecycle, pipeline *inbound.Pipeline) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			pipeline.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return pipeline.Stop(ctx)
		},
	})
}

func startRetryProcessor(lc fx.Lifecycle, log *slog.Logger, core deliveryCore, shutdowner fx.Shutdowner) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				defer close(done)
				if err := core.Processor.Run(runCtx); err != nil {
					log.Error("retry processor failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

// startEventPruner drops webhook message ids once providers have stopped
// redelivering them.
func startEventPruner(lc fx.Lifecycle, log *slog.Logger, conn *sql.DB) {
	eventLog := inbound.NewEventLog(conn)
	c := cron.New()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := c.AddFunc(eventPruneSchedule, func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				n, err := eventLog.Prune(ctx, time.Now().Add(-eventRetention))
				if err != nil {
					log.Error("prune inbound events failed", slog.Any("error", err))
					return
				}
				log.Info("inbound events pruned", slog.Int64("removed", n))
			})
			if err != nil {
				return err
			}
			c.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

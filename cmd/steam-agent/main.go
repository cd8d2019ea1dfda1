package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/barterworks/steam-agent/internal/api"
	"github.com/barterworks/steam-agent/internal/archive"
	"github.com/barterworks/steam-agent/internal/community"
	"github.com/barterworks/steam-agent/internal/confirmation"
	"github.com/barterworks/steam-agent/internal/jobs"
	"github.com/barterworks/steam-agent/internal/rate"
	"github.com/barterworks/steam-agent/internal/relay"
	internalsecrets "github.com/barterworks/steam-agent/internal/secrets"
	"github.com/barterworks/steam-agent/internal/steamapi"
	"github.com/barterworks/steam-agent/internal/storage"
	"github.com/barterworks/steam-agent/internal/tradeoffer"
	"github.com/barterworks/steam-agent/pkg/config"
	"github.com/barterworks/steam-agent/pkg/logger"
	"github.com/barterworks/steam-agent/pkg/secrets"
	"github.com/barterworks/steam-agent/pkg/utils"
)

// amqpExchange is the topic exchange offer events are published to when
// AMQP_URL is configured.
const amqpExchange = "steam.events"

// agentStore is the persistence surface main needs: poll bookkeeping plus
// session cookies, both keyed by account. Satisfied by storage.RedisStore
// and storage.BoltStore.
type agentStore interface {
	tradeoffer.Storage
	community.CookieStorage
	Close() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [steam-agent]...")
	if cfg.DatabaseURL != "" {
		logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))
	}

	// --- Credential resolver (AWS Secrets Manager, cached in-memory) ---
	var resolver *internalsecrets.Resolver
	stopCleaner := make(chan struct{})
	if awsProvider, err := secrets.NewAWSProvider(cfg.AWSRegion); err != nil {
		logg.Warnw("failed to create AWS Secrets Manager provider", "error", err)
	} else {
		credsCache := secrets.NewCache[internalsecrets.SteamCredentials](cfg.CacheTTL)
		go credsCache.StartCleaner(cfg.CleanupFreq, stopCleaner)
		resolver = internalsecrets.NewResolver(logger.L(), cfg.SecretsEnv, awsProvider, credsCache)
	}

	// --- Account selection ---
	account := cfg.Account
	if account == "" && resolver != nil {
		accounts, err := resolver.DiscoverAccounts(ctx)
		if err != nil {
			logg.Warnw("failed to discover accounts from AWS Secrets Manager", "error", err)
		} else if len(accounts) == 1 {
			account = accounts[0]
			logg.Infow("using discovered account", "account", account)
		} else if len(accounts) > 1 {
			logg.Fatalw("multiple accounts configured; set STEAM_ACCOUNT to pick one",
				"accounts", accounts)
		}
	}
	if account == "" {
		logg.Fatal("STEAM_ACCOUNT is required and no account was discovered")
	}

	// --- Credentials (environment wins; secrets fill the gaps) ---
	apiKey := cfg.APIKey
	identitySecret := cfg.IdentitySecret
	loginSecure := cfg.SteamLoginSecure
	sessionID := cfg.SessionID
	if (apiKey == "" || identitySecret == "" || loginSecure == "") && resolver != nil {
		creds, err := resolver.Resolve(ctx, account)
		if err != nil {
			logg.Warnw("failed to resolve credentials from AWS Secrets Manager",
				"account", account, "error", err)
		} else {
			if apiKey == "" {
				apiKey = creds.APIKey
			}
			if identitySecret == "" {
				identitySecret = creds.IdentitySecret
			}
			if loginSecure == "" {
				loginSecure = creds.SteamLoginSecure
			}
			if sessionID == "" {
				sessionID = creds.SessionID
			}
		}
	}

	// --- Persistence (Redis for fleets, bolt for single hosts) ---
	var (
		store      agentStore
		redisStore *storage.RedisStore
	)
	switch {
	case cfg.RedisAddr != "":
		rs, err := storage.NewRedisStore(logger.L(), cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			logg.Fatalw("failed to init redis store", "error", err)
		}
		redisStore, store = rs, rs
		logg.Infow("using redis persistence", "addr", cfg.RedisAddr)
	case cfg.BoltPath != "":
		bs, err := storage.NewBoltStore(logger.L(), cfg.BoltPath)
		if err != nil {
			logg.Fatalw("failed to init bolt store", "error", err)
		}
		store = bs
		logg.Infow("using bolt persistence", "path", cfg.BoltPath)
	default:
		logg.Warn("no persistence configured; poll data and session cookies are in-memory only")
	}

	// --- Rate limiter (shared across community and Web API traffic) ---
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: 10,
		Burst:             20,
		Cooldown:          1 * time.Second,
	})

	// --- Community web client and session ---
	webClient := community.NewClient(logger.L(), rateMgr, cfg.SteamHTTPTimeout, cfg.UserAgent)
	session := community.NewSession(logger.L(), webClient, store)

	if loginSecure != "" {
		cookies := []*http.Cookie{{Name: "steamLoginSecure", Value: loginSecure}}
		if sessionID != "" {
			cookies = append(cookies, &http.Cookie{Name: "sessionid", Value: sessionID})
		}
		if err := session.Provision(ctx, account, cookies); err != nil {
			logg.Fatalw("failed to provision session", "account", account, "error", err)
		}
	} else if restored, err := session.Restore(ctx, account); err != nil {
		logg.Warnw("failed to restore session from storage", "account", account, "error", err)
	} else if restored {
		logg.Infow("session restored from storage", "account", account)
	} else {
		logg.Warnw("no session cookies available; agent stays idle until provisioned",
			"account", account)
	}

	// --- Web API client ---
	var descCache *steamapi.DescriptionCache
	if cfg.GetDescriptions {
		descCache = steamapi.NewDescriptionCache(cfg.DescriptionCacheTTL, cfg.DescriptionCacheCap)
	}
	apiClient := steamapi.NewClient(logger.L(), steamapi.Config{
		Language:        cfg.Language,
		GetDescriptions: cfg.GetDescriptions,
		Timeout:         cfg.SteamHTTPTimeout,
	}, rateMgr, descCache)
	if apiKey != "" {
		apiClient.SetKey(apiKey)
	} else {
		logg.Warn("no Web API key configured; polling is disabled until one is set")
	}

	// --- Offer engine ---
	manager := tradeoffer.New(logger.L(), tradeoffer.Config{
		PollInterval:           cfg.PollInterval,
		CancelTime:             cfg.CancelTime,
		PendingCancelTime:      cfg.PendingCancelTime,
		CancelOfferCount:       cfg.CancelOfferCount,
		CancelOfferCountMinAge: cfg.CancelOfferCountMinAge,
		DisableQuotaTrim:       cfg.DisableQuotaTrim,
		GetDescriptions:        cfg.GetDescriptions,
		Language:               cfg.Language,
	}, webClient, session, apiClient, store)

	// --- Mobile confirmations ---
	var confirmer *confirmation.Service
	if identitySecret != "" {
		confirmer = confirmation.NewService(logger.L(), confirmation.Config{
			IdentitySecret: identitySecret,
		}, webClient, session, manager)
	} else {
		logg.Warn("no identity secret configured; mobile confirmations are disabled")
	}

	// --- Event relay (NATS JetStream and/or RabbitMQ) ---
	var sinks []relay.Sink
	if cfg.NATSURL != "" {
		natsSink, err := relay.NewNATSSink(logger.L(), cfg.NATSURL, cfg.ServiceName)
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		sinks = append(sinks, natsSink)
	}
	if cfg.AMQPURL != "" {
		amqpSink, err := relay.NewAMQPSink(logger.L(), cfg.AMQPURL, amqpExchange)
		if err != nil {
			logg.Fatalw("failed to connect to RabbitMQ", "error", err)
		}
		sinks = append(sinks, amqpSink)
	}
	var rel *relay.Relay
	if len(sinks) > 0 {
		rel = relay.New(logger.L(), account, sinks...)
		go rel.Run(ctx, manager.Subscribe(256))
	}

	// --- Trade-history archive ---
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		pool, err = archive.NewPool(ctx, cfg.DatabaseURL, archive.PoolConfig{
			MaxConns:          int32(cfg.PGMaxConns),
			MinConns:          int32(cfg.PGMinConns),
			MaxConnLifetime:   cfg.PGMaxConnLifetime,
			MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
			HealthCheckPeriod: cfg.PGHealthCheckPeriod,
		})
		if err != nil {
			logg.Fatalw("failed to init trade-history pool", "error", err)
		}
		writer := archive.NewWriter(logger.L(), pool, account)
		go writer.Run(ctx, manager.Subscribe(256))
	}

	// --- Summary refresher ---
	var refresher *jobs.SummaryRefresher
	if pool != nil && cfg.SummaryRefreshInterval > 0 {
		refresher = jobs.NewSummaryRefresher(logger.L(), pool, account,
			cfg.SummaryRefreshInterval, sinks...)
		go refresher.Start(ctx)
	}

	// --- Start polling ---
	manager.Start(ctx)

	// --- Fiber HTTP server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})

	var confirmerSeam api.Confirmer
	if confirmer != nil {
		confirmerSeam = confirmer
	}
	handler := api.NewHandler(logger.L(), manager, confirmerSeam, apiClient)

	checks := []api.HealthCheck{{
		Name: "session",
		Check: func(context.Context) error {
			if !session.Authenticated() {
				return fmt.Errorf("session %s", session.State())
			}
			return nil
		},
	}}
	if redisStore != nil {
		checks = append(checks, api.HealthCheck{Name: "store", Check: redisStore.HealthCheck})
	}
	if pool != nil {
		checks = append(checks, api.HealthCheck{Name: "postgres", Check: pool.Ping})
	}
	api.RegisterRoutes(app, handler, checks...)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	// --- Main process stays alive until interrupted ---
	logg.Infow("[steam-agent] running",
		"account", account,
		"env", cfg.Env,
		"poll_interval", cfg.PollInterval.String(),
		"nats", cfg.NATSURL,
		"amqp", utils.MaskDSN(cfg.AMQPURL),
		"archive", pool != nil,
		"confirmations", confirmer != nil)

	<-ctx.Done()
	logg.Info("shutting down [steam-agent]...")

	close(stopCleaner)
	if refresher != nil {
		refresher.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	manager.Stop()
	if rel != nil {
		rel.Close()
	}
	if pool != nil {
		pool.Close()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logg.Warnw("store.close_failed", "error", err)
		}
	}
}

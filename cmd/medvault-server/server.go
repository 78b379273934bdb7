package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/domain/access"
	"github.com/medvault/medvault/internal/domain/doctor"
	"github.com/medvault/medvault/internal/domain/otp"
	"github.com/medvault/medvault/internal/domain/patient"
	"github.com/medvault/medvault/internal/domain/vault"
	"github.com/medvault/medvault/internal/platform/audit"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/encryption"
	"github.com/medvault/medvault/internal/platform/middleware"
	"github.com/medvault/medvault/internal/platform/notification"
	"github.com/medvault/medvault/internal/platform/summarizer"
	"github.com/medvault/medvault/migrations"
)

const version = "0.1.0"

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// closer collects shutdown steps and runs them in reverse order.
type closer struct {
	fns []func(ctx context.Context)
}

func (c *closer) add(fn func(ctx context.Context)) { c.fns = append(c.fns, fn) }

func (c *closer) run(ctx context.Context) {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i](ctx)
	}
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var shutdown closer
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		shutdown.run(sctx)
	}()

	// Database
	var pool *pgxpool.Pool
	if cfg.StoreBackend == "postgres" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		shutdown.add(func(context.Context) { pool.Close() })
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

		if migrate {
			m, err := db.NewMigrator(pool, migrations.FS, cfg.DBSchema)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to create migrator")
			}
			n, err := m.Up(ctx)
			if err != nil {
				logger.Fatal().Err(err).Msg("migration failed")
			}
			logger.Info().Int("applied", n).Msg("migrations applied")
		}
	}

	// Encryption
	enc, err := buildEncryptors(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise encryption")
	}

	// Audit trail
	sink, closeSink, err := buildAuditSink(cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.AuditBackend).Msg("failed to open audit backend")
	}
	dispatcher := newAuditDispatcher(cfg, sink, logger)
	shutdown.add(func(ctx context.Context) {
		if err := dispatcher.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("audit queue not fully drained")
		}
		if closeSink != nil {
			closeSink.Close()
		}
	})
	logger.Info().Str("backend", cfg.AuditBackend).Msg("audit trail ready")

	// Notifications
	var sender notification.EmailSender
	if cfg.SMTPConfigured() {
		sender = notification.NewSMTPSender(notification.SMTPConfig{
			Host:   cfg.SMTPHost,
			Port:   cfg.SMTPPort,
			User:   cfg.SMTPUser,
			Pass:   cfg.SMTPPass,
			Secure: cfg.SMTPSecure,
			From:   cfg.EmailFrom,
		})
	} else {
		logger.Warn().Msg("SMTP not configured; emails are written to the log")
		sender = notification.NewLogSender(logger)
	}
	mailer := notification.NewManager(sender, notification.NewTemplateEngine(),
		notification.RetryPolicy{Attempts: 3, Backoff: time.Second}, 1000, logger)

	// Patient directory
	var patientRepo patient.Repository
	if pool != nil {
		patientRepo = patient.NewRepoPG(pool)
	} else {
		patientRepo = patient.NewMemoryRepo()
	}
	patientSvc := patient.NewService(patientRepo)

	// OTP login
	otpStore, closeRedis, err := buildOTPStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if closeRedis != nil {
		shutdown.add(func(context.Context) { closeRedis.Close() })
	}
	otpCfg := otp.DefaultConfig()
	otpCfg.TTL = cfg.OTPTTL
	otpSvc := otp.NewService(otpStore, mailer, patientSvc, otpCfg, logger)

	// Doctor onboarding
	var doctorRepo doctor.Repository
	if pool != nil {
		doctorRepo = doctor.NewRepoPG(pool)
	} else {
		doctorRepo = doctor.NewMemoryRepo()
	}
	doctorSvc := doctor.NewService(doctorRepo, enc.credential, mailer, logger)
	var vaultOpts []vault.Option
	if cfg.RequireVerifiedDoctors {
		vaultOpts = append(vaultOpts, vault.WithCredentials(doctorSvc))
	} else {
		logger.Warn().Msg("REQUIRE_VERIFIED_DOCTORS is off; unverified doctors can request and unlock records")
	}

	// Access ledger
	accessCfg := access.Config{
		WaitingWindow: cfg.AccessWaitingWindow,
		GrantDuration: cfg.AccessGrantDuration,
		Retention:     cfg.AccessRetention,
	}
	var (
		requests access.Store
		payloads access.PayloadStore
		opts     []access.LedgerOption
	)
	if pool != nil {
		requests = access.NewStorePG(pool)
		payloads = access.NewPayloadStorePG(pool)
		opts = append(opts, access.WithTransactor(access.PGTransactor(pool)))
	} else {
		requests = access.NewMemoryStore()
		payloads = access.NewMemoryPayloadStore()
	}
	if cfg.RequireVerifiedDoctors {
		opts = append(opts, access.WithCredentialCheck(doctorSvc))
	}
	ledger := access.NewLedger(requests, payloads, enc.payload, accessCfg, logger, opts...)

	timer := access.NewGrantTimer(ledger, logger)
	notifier := access.NewNotifier(patientSvc, mailer, accessCfg.WaitingWindow, logger)
	ledger.Subscribe(timer.Listen)
	ledger.Subscribe(notifier.Listen)
	ledger.Subscribe(access.AuditListener(dispatcher, logger))

	sweeper := access.NewSweeper(ledger, cfg.AccessSweepInterval, logger)
	sweeper.Start(ctx)
	shutdown.add(func(context.Context) {
		sweeper.Stop()
		timer.Stop()
		notifier.Wait()
	})

	// Vault
	var vaultRepo vault.Repository
	if pool != nil {
		vaultRepo = vault.NewRepoPG(pool)
	} else {
		vaultRepo = vault.NewMemoryRepo()
	}
	var summ summarizer.Summarizer = summarizer.NewExtractive(3)
	if cfg.SummarizerURL != "" {
		summ = summarizer.NewHTTP(cfg.SummarizerURL, cfg.SummarizerToken)
	}
	vaultSvc := vault.NewService(vaultRepo, enc.vault, ledger, patientSvc, dispatcher, summ, logger, vaultOpts...)

	// HTTP
	e := newEcho(cfg, logger, dispatcher)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, cfg.StoreBackend))

	api := e.Group("/api")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api.Use(middleware.RateLimit(rateLimitCfg))
	v1 := api.Group("/v1")

	otp.NewHandler(otpSvc).RegisterRoutes(api)
	patient.NewHandler(patientSvc).RegisterRoutes(v1, api)
	doctor.NewHandler(doctorSvc).RegisterRoutes(v1)
	access.NewHandler(ledger, cfg.PollIntervalHint).RegisterRoutes(v1, api)
	vault.NewHandler(vaultSvc).RegisterRoutes(v1)
	notification.NewHandler(mailer).RegisterRoutes(v1)
	audit.NewHandler(sink).RegisterRoutes(v1)

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Str("store", cfg.StoreBackend).Msg("starting medvault server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down server")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
		return err
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, sink audit.Sink) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", "11M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	var tokens echo.MiddlewareFunc
	if cfg.AuthIssuer != "" || cfg.AuthJWKSURL != "" || cfg.AuthSigningKey != "" {
		tokens = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(tokens))
	} else {
		e.Use(tokens)
	}

	e.Use(middleware.Audit(logger, phiRecorder(sink)))
	return e
}

// phiRecorder forwards request-level PHI access to the audit trail. Requests
// that name no patient are only logged.
func phiRecorder(sink audit.Sink) middleware.AuditRecorder {
	return middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		if entry.PatientID == "" || entry.StatusCode >= http.StatusBadRequest {
			return nil
		}
		_, err := sink.Record(context.Background(), audit.Entry{
			Actor:     entry.UserID,
			PatientID: entry.PatientID,
			Action:    audit.ActionAccess,
			Reason:    entry.Method + " " + entry.Path,
			At:        entry.Timestamp,
		})
		return err
	})
}

// encryptors holds one sub-key per kind of data, all derived from
// VAULT_ENCRYPTION_KEY.
type encryptors struct {
	vault      encryption.Encryptor
	payload    encryption.Encryptor
	credential encryption.Encryptor
}

func buildEncryptors(cfg *config.Config, logger zerolog.Logger) (encryptors, error) {
	key := cfg.VaultEncryptionKey
	if key == "" {
		raw, err := encryption.NewRandomKey()
		if err != nil {
			return encryptors{}, err
		}
		logger.Warn().Msg("VAULT_ENCRYPTION_KEY not set; using an ephemeral key, stored documents will be unreadable after restart")
		key = fmt.Sprintf("%x", raw)
	}
	vaultKey, err := encryption.NewAESEncryptorFromHex(key, encryption.PurposeVault)
	if err != nil {
		return encryptors{}, err
	}
	payloadKey, err := encryption.NewAESEncryptorFromHex(key, encryption.PurposePayload)
	if err != nil {
		return encryptors{}, err
	}
	credentialKey, err := encryption.NewAESEncryptorFromHex(key, encryption.PurposeCredential)
	if err != nil {
		return encryptors{}, err
	}
	return encryptors{
		vault:      encryption.NewRotatingEncryptor(vaultKey, 1),
		payload:    payloadKey,
		credential: credentialKey,
	}, nil
}

// newAuditDispatcher queues entries for sink. The dispatcher logs each
// delivery outcome itself.
func newAuditDispatcher(cfg *config.Config, sink audit.Sink, logger zerolog.Logger) *audit.Dispatcher {
	return audit.NewDispatcher(sink, cfg.AuditQueueSize, 1, 30*time.Second, logger)
}

func buildAuditSink(cfg *config.Config) (audit.Sink, io.Closer, error) {
	switch cfg.AuditBackend {
	case "none":
		return audit.NopSink{}, nil, nil
	case "leveldb":
		s, err := audit.OpenChainSink(cfg.AuditLevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "fabric":
		s, err := audit.NewFabricSink(audit.FabricConfig{
			PeerEndpoint: cfg.FabricPeerEndpoint,
			GatewayPeer:  cfg.FabricGatewayPeer,
			MSPID:        cfg.FabricMSPID,
			CertPath:     cfg.FabricCertPath,
			KeyPath:      cfg.FabricKeyPath,
			TLSCertPath:  cfg.FabricTLSCertPath,
			Channel:      cfg.FabricChannel,
			Chaincode:    cfg.FabricChaincode,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return audit.NewMemorySink(), nil, nil
	}
}

func buildOTPStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (otp.Store, io.Closer, error) {
	if cfg.RedisURL == "" {
		return otp.NewMemoryStore(), nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info().Msg("using redis for OTP codes")
	return otp.NewRedisStore(client), client, nil
}

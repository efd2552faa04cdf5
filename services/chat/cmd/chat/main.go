package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"chatapp/internal/ratelimit"
	"chatapp/internal/security"
	"chatapp/internal/util"
	"chatapp/pkg/auth"
	"chatapp/pkg/fanout"
	"chatapp/pkg/mailer"
	"chatapp/pkg/queue"
	"chatapp/pkg/session"
	"chatapp/pkg/store"
	"chatapp/services/chat/internal/app"
	"chatapp/services/chat/internal/config"
	"chatapp/services/chat/internal/server"
)

const mailWorkers = 2

func main() {
	defaultPath := config.ConfigPath
	if v := os.Getenv("CHAT_CONFIG"); v != "" {
		defaultPath = v
	}
	configPath := pflag.String("config", defaultPath, "path to the YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataStore, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to open store", "driver", cfg.DatabaseDriver, "err", err)
	}
	defer dataStore.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			util.Fatal("failed to reach redis", "addr", cfg.RedisAddr, "err", err)
		}
	}

	signer, err := newSigner(cfg, redisClient)
	if err != nil {
		util.Fatal("failed to init session signer", "err", err)
	}

	broker, err := newBroker(cfg, redisClient)
	if err != nil {
		util.Fatal("failed to init fanout", "fanout", cfg.Fanout, "err", err)
	}
	defer broker.Close()

	var delivery mailer.Mailer = mailer.LogMailer{Logger: logger}
	if cfg.SMTPHost != "" {
		delivery = mailer.SMTPMailer{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		}
	}
	outbound := delivery
	var mailQueue *queue.MailQueue
	if cfg.MailQueue {
		mailQueue, err = queue.NewMailQueue(redisClient, queue.MailQueueConfig{Logger: logger})
		if err != nil {
			util.Fatal("failed to init mail queue", "err", err)
		}
		outbound = mailQueue
	}

	storageTimeout, _ := config.ParseDuration("storageTimeout", cfg.StorageTimeout)
	resetTTL, _ := config.ParseDuration("resetTokenTTL", cfg.ResetTokenTTL)
	resetFloor, _ := config.ParseDuration("resetResponseFloor", cfg.ResetResponseFloor)
	appCore, err := app.New(app.Config{
		Store:                  dataStore,
		Signer:                 signer,
		Hasher:                 auth.NewBcryptHasher(cfg.BcryptCost),
		Mailer:                 outbound,
		Publisher:              broker,
		Subscriber:             broker,
		StorageTimeout:         storageTimeout,
		ResetTokenTTL:          resetTTL,
		ResetResponseFloor:     resetFloor,
		FrontendURL:            cfg.FrontendURL,
		RequireFriendsForRooms: cfg.RequireFriendsForRooms,
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	trusted, err := util.NewTrustedProxies(config.SplitList(cfg.TrustedProxies))
	if err != nil {
		util.Fatal("failed to parse trusted proxies", "err", err)
	}
	serverCfg := server.Config{
		App:            appCore,
		TrustedProxies: trusted,
		Keys:           signer,
		AllowedOrigins: config.SplitList(cfg.AllowedOrigins),
	}
	if cfg.AnonRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewFixedWindowLimiter(redisClient, "chatapp:ratelimit", cfg.AnonRateLimitPerMinute, time.Minute)
		if err != nil {
			util.Fatal("failed to init rate limiter", "err", err)
		}
		serverCfg.AnonLimiter = limiter
	}
	if redisClient != nil {
		alerter, err := security.NewAuditAlerter(redisClient, "chatapp:alerts")
		if err != nil {
			util.Fatal("failed to init audit alerter", "err", err)
		}
		serverCfg.Alerter = alerter
	}
	httpServer := server.New(serverCfg)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("chat server listening", "addr", addr, "fanout", cfg.Fanout, "driver", cfg.DatabaseDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if mailQueue != nil {
		g.Go(func() error {
			mailQueue.Start(gctx, mailWorkers, delivery)
			<-gctx.Done()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("chat server stopped")
}

func newSigner(cfg config.FileConfig, redisClient *redis.Client) (*session.JWTSigner, error) {
	ttl, err := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	leeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		return nil, err
	}
	var revoker session.TokenRevoker = session.NewMemoryTokenRevoker()
	if redisClient != nil {
		revoker = session.NewRedisTokenRevoker(redisClient)
	}
	opts := session.Options{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
		TTL:      ttl,
		Revoker:  revoker,
	}
	if cfg.JWTPrivateKeyPath == "" {
		return session.NewHS256Signer(cfg.JWTSecret, opts)
	}
	verifyKeys, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		return nil, err
	}
	return session.NewRS256SignerFromPEM(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTKeyID, verifyKeys, opts)
}

func newBroker(cfg config.FileConfig, redisClient *redis.Client) (fanout.Broker, error) {
	switch cfg.Fanout {
	case "redis":
		return fanout.NewRedisBroker(redisClient), nil
	case "amqp":
		return fanout.NewAMQPBroker(cfg.AMQPURL, cfg.AMQPExchange)
	default:
		return fanout.NewLocalBroker(), nil
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/campchat/chat-relay/internal/abuse"
	"github.com/campchat/chat-relay/internal/auth"
	"github.com/campchat/chat-relay/internal/config"
	"github.com/campchat/chat-relay/internal/messaging"
	"github.com/campchat/chat-relay/internal/ratelimit"
	"github.com/campchat/chat-relay/internal/relay"
	"github.com/campchat/chat-relay/internal/session"
	"github.com/campchat/chat-relay/internal/store"
	"github.com/campchat/chat-relay/internal/ws"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Run:   serveRun,
	}
}

func serveRun(_ *cobra.Command, _ []string) {
	cfg := commonRun()
	if err := cfg.RequireSecret(); err != nil {
		log.Fatal(err)
	}

	log.WithFields(log.Fields{
		"listen_addr":     cfg.ListenAddr,
		"server_name":     cfg.ServerName,
		"store":           cfg.StoreDriver,
		"redis_addr":      cfg.RedisAddr,
		"rate_limit":      cfg.RateLimitBackend,
		"nats_url":        cfg.NATSURL,
		"max_connections": cfg.MaxConnections,
		"grace_period":    cfg.GracePeriod,
	}).Info("relay: starting")

	st, err := store.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		log.WithError(err).Fatal("relay: open store")
	}
	defer st.Close()

	var (
		limiter  ratelimit.Limiter = ratelimit.NewMemoryLimiter()
		presence *session.Store
	)
	if cfg.RedisAddr != "" {
		presence, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.WithError(err).Fatal("relay: connect redis")
		}
		defer presence.Close()
		if cfg.RateLimitBackend == config.BackendRedis {
			limiter = ratelimit.NewRedisLimiter(presence.Client())
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledger, err := abuse.New(ctx, st, limiter, ledgerConfig(cfg))
	if err != nil {
		log.WithError(err).Fatal("relay: load abuse ledger")
	}

	var nc *messaging.NATSClient
	if cfg.NATSURL != "" {
		nc, err = connectNATS(cfg.NATSURL, cfg.ServerName)
		if err != nil {
			log.WithError(err).Fatal("relay: connect nats")
		}
		defer nc.Close()
		ledger.SetNotifier(nc)
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		log.WithError(err).Fatal("relay: token verifier")
	}

	opts := relay.Options{
		Verifier:      verifier,
		Ledger:        ledger,
		GracePeriod:   cfg.GracePeriod,
		SweepInterval: cfg.MatchInterval,
		SendBuffer:    cfg.SendBuffer,
	}
	if presence != nil {
		opts.Presence = presence
	}
	r := relay.New(opts)
	if nc != nil {
		if err := nc.SubscribeBans(r.ApplyBan); err != nil {
			log.WithError(err).Fatal("relay: subscribe ban events")
		}
	}
	runDone := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(runDone)
	}()

	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		MaxConnections: cfg.MaxConnections,
		MaxFrameSize:   cfg.MaxFrameSize,
		PingInterval:   cfg.PingInterval,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}, r)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("relay: server failed")
		}
	case <-ctx.Done():
		log.Info("relay: signal received, shutting down")
	}

	if err := server.Shutdown(context.Background()); err != nil {
		log.WithError(err).Warn("relay: shutdown")
	}
	r.Shutdown()
	stop()
	<-runDone

	if n := ledger.Pending(); n > 0 {
		log.WithField("pending", n).Warn("relay: unflushed abuse records dropped")
	}
}

func ledgerConfig(cfg *config.Config) abuse.Config {
	lc := abuse.DefaultConfig()
	lc.BanThreshold = cfg.BanThreshold
	lc.MessageRule.Limit = cfg.MessageLimit
	lc.MessageRule.Window = cfg.MessageWindow
	lc.ReportRule.Limit = cfg.ReportLimit
	lc.ReportRule.Window = cfg.ReportWindow
	lc.Origin = cfg.ServerName
	return lc
}

func connectNATS(url, name string) (*messaging.NATSClient, error) {
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = url
	natsConfig.Name = name
	return messaging.NewNATSClient(natsConfig)
}

func newVerifier(cfg *config.Config) (*auth.Verifier, error) {
	var opts []auth.Option
	if cfg.JWTIssuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		opts = append(opts, auth.WithAudience(cfg.JWTAudience))
	}
	return auth.NewVerifier(cfg.JWTSecret, opts...)
}

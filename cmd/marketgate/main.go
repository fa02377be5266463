package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/layer-3/marketgate/adapters/events"
	"github.com/layer-3/marketgate/adapters/ledger"
	"github.com/layer-3/marketgate/adapters/ratelimit"
	"github.com/layer-3/marketgate/adapters/store"
	"github.com/layer-3/marketgate/adapters/tokenizer"
	"github.com/layer-3/marketgate/adapters/wallet"
	"github.com/layer-3/marketgate/config"
	"github.com/layer-3/marketgate/ports"
	"github.com/layer-3/marketgate/service"
	"github.com/layer-3/marketgate/telemetry"
	transport "github.com/layer-3/marketgate/transport/http"
	"github.com/layer-3/marketgate/transport/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "marketgate",
		Short:         "Wallet-authenticated gateway between browsers and the marketplace ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newSignCommand())
	cmd.AddCommand(newKeygenCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(ctx, cfg)
		},
	}
}

func newSignCommand() *cobra.Command {
	var (
		key     string
		message string
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a challenge message with a wallet key, for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("WALLET_KEY")
			}
			sig, err := wallet.Sign(message, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "Hex secp256k1 private key (defaults to $WALLET_KEY)")
	cmd.Flags().StringVar(&message, "message", "", "Exact challenge message to sign")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an AUTH_SIGNING_KEY and a test wallet key",
		RunE: func(cmd *cobra.Command, args []string) error {
			signing, err := tokenizer.GenerateSigningKey()
			if err != nil {
				return err
			}
			walletKey, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "AUTH_SIGNING_KEY=%s\n", tokenizer.EncodeSigningKey(signing))
			fmt.Fprintf(out, "WALLET_KEY=%x\n", crypto.FromECDSA(walletKey))
			fmt.Fprintf(out, "# wallet address %s\n", crypto.PubkeyToAddress(walletKey.PublicKey).Hex())
			return nil
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log := telemetry.NewLogger(cfg.LogLevel, cfg.LogHuman)
	gin.SetMode(gin.ReleaseMode)

	shutdownTracing, err := telemetry.InitTracing(ctx, "marketgate", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)
	clock := ports.SystemClock{}

	signKey, err := signingKey(cfg.Auth.SigningKey, log)
	if err != nil {
		return err
	}

	ledgerClient, err := ledger.NewClient(ledger.Config{
		BaseURL:    cfg.Ledger.URL,
		Timeout:    cfg.Ledger.Timeout,
		TokenField: cfg.Ledger.TokenField,
	})
	if err != nil {
		return err
	}
	methods, err := ledger.LoadMethodTable(cfg.Ledger.MethodsFile, cfg.Ledger.ReaderKey)
	if err != nil {
		return err
	}

	hub := ws.NewHub(originChecker(cfg.AllowedOrigins), log, metrics)
	defer hub.Close()

	var (
		sessionStore ports.Store
		limiter      ports.RateLimiter
		eventPub     ports.EventPublisher
		broadcaster  ports.Broadcaster
		background   = make(chan error, 2)
	)

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()

		wmLogger := telemetry.NewWatermillLogger(log)
		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: redisClient}, wmLogger)
		if err != nil {
			return fmt.Errorf("create publisher: %w", err)
		}
		defer publisher.Close()

		// No consumer group: every instance receives every message.
		subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{Client: redisClient}, wmLogger)
		if err != nil {
			return fmt.Errorf("create subscriber: %w", err)
		}
		defer subscriber.Close()

		wm := events.NewWatermillPublisher(publisher)
		sessionStore = store.NewRedisStore(redisClient, clock)
		limiter = ratelimit.NewRedisLimiter(redisClient, clock)
		eventPub, broadcaster = wm, wm

		relay := events.NewRelay(subscriber, hub, log)
		go func() { background <- relay.Run(ctx) }()
		log.Info().Msg("using redis for sessions, rate limits and signals")
	} else {
		memStore := store.NewMemoryStore(clock)
		memLimiter := ratelimit.NewMemoryLimiter(clock)
		go memStore.Run(ctx, cfg.Auth.SweepInterval)
		go memLimiter.Run(ctx, cfg.Gateway.RateWindow)

		bus := events.NewLocalBus(hub)
		sessionStore, limiter = memStore, memLimiter
		eventPub, broadcaster = bus, bus
		log.Info().Msg("using in-process sessions, rate limits and signals")
	}

	authService := service.NewAuthService(service.AuthConfig{
		Domain:       cfg.Auth.Domain,
		ChallengeTTL: cfg.Auth.ChallengeTTL,
		AccessTTL:    cfg.Auth.AccessTTL,
		RefreshTTL:   cfg.Auth.RefreshTTL,
	}, tokenizer.NewJWTTokenizer(signKey, cfg.Auth.Domain), wallet.NewVerifier(), sessionStore, eventPub, clock, log, metrics)

	gateway := service.NewGateway(service.GatewayConfig{
		PollInterval: cfg.Gateway.PollInterval,
		MaxPolls:     cfg.Gateway.MaxPolls,
		Deadline:     cfg.Gateway.Deadline,
		RateLimit:    cfg.Gateway.RateLimit,
		RateWindow:   cfg.Gateway.RateWindow,
	}, ledgerClient, methods, limiter, log, metrics)

	projector := service.NewProjector(service.ProjectorConfig{
		FeedWindow:     cfg.Projector.FeedWindow,
		ChunkSize:      cfg.Projector.ChunkSize,
		PrimarySellers: cfg.Projector.PrimarySellers,
		PriceDecimals:  cfg.Projector.PriceDecimals,
	}, ledgerClient, ledgerClient, methods, log, metrics)

	notifier := service.NewNotifier(broadcaster, clock, cfg.Projector.PriceDecimals, cfg.Ledger.TokenField, log, metrics)
	webhook := transport.NewWebhookHandler(notifier, cfg.Webhook.Secret, log)

	router := transport.SetupRouter(transport.Deps{
		Auth:      authService,
		Gateway:   gateway,
		Projector: projector,
		Webhook:   webhook,
		Hub:       hub,
		Cookies: transport.CookieConfig{
			Domain:   cfg.Auth.CookieDomain,
			Secure:   cfg.Auth.CookieSecure,
			Lifetime: cfg.Auth.RefreshTTL,
		},
		Log: log,
	})

	server := &http.Server{
		Addr: cfg.Addr,
		Handler: transport.Handler(router, transport.ServerOptions{
			AllowedOrigins:      cfg.AllowedOrigins,
			IPRequestsPerMinute: cfg.IPRequestsPerMinute,
			Gatherer:            registry,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			background <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-background:
		if runErr != nil {
			log.Error().Err(runErr).Msg("background component failed")
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	webhook.Wait()
	log.Info().Msg("stopped")
	return runErr
}

func signingKey(hexKey string, log zerolog.Logger) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		log.Warn().Msg("AUTH_SIGNING_KEY not set, generating an ephemeral key; sessions will not survive restarts")
		return tokenizer.GenerateSigningKey()
	}
	return tokenizer.ParseSigningKey(hexKey)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

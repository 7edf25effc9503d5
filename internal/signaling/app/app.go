// Package app wires the signaling relay, webhook handler and API server
// into one process and runs their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/click2call/internal/signaling/api"
	"github.com/sebas/click2call/internal/signaling/auth"
	"github.com/sebas/click2call/internal/signaling/config"
	"github.com/sebas/click2call/internal/signaling/dialplan"
	"github.com/sebas/click2call/internal/signaling/events"
	"github.com/sebas/click2call/internal/signaling/registry"
	"github.com/sebas/click2call/internal/signaling/relay"
	"github.com/sebas/click2call/internal/signaling/webhook"
	"github.com/sebas/click2call/internal/signaling/widget"
)

// ShutdownTimeout bounds graceful shutdown of every component.
const ShutdownTimeout = 10 * time.Second

// healthService is the gRPC health service name reported for the relay.
const healthService = "click2call.signaling"

// Click2Call is the assembled signaling server.
type Click2Call struct {
	config *config.Config
	logger *slog.Logger

	registry  *registry.Registry
	redis     *redis.Client
	files     *widget.FileProvider
	cache     *widget.CachedProvider
	publisher events.Publisher
	relay     *relay.Relay
	apiServer *api.Server

	grpcServer *grpc.Server
	health     *health.Server
}

// NewServer builds every component from cfg. Nothing listens until Run.
func NewServer(cfg *config.Config, version string, logger *slog.Logger) (*Click2Call, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Click2Call{
		config:   cfg,
		logger:   logger,
		registry: registry.New(registry.WithLogger(logger)),
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(opts)
	}

	widgets, err := a.buildWidgets()
	if err != nil {
		a.Close()
		return nil, err
	}

	a.publisher, err = a.buildPublisher()
	if err != nil {
		a.Close()
		return nil, err
	}

	authenticator, err := a.buildAuth()
	if err != nil {
		a.Close()
		return nil, err
	}

	builder := events.NewBuilder(cfg.NodeID)
	resolver := dialplan.NewResolver(logger)

	a.relay, err = relay.New(relay.Config{
		PingInterval:    cfg.PingInterval,
		PongTimeout:     cfg.PongTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		SendBuffer:      cfg.SendBuffer,
		MaxMessageBytes: cfg.MaxMessageBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, relay.Deps{
		Registry:  a.registry,
		Auth:      authenticator,
		Widgets:   widgets,
		Resolver:  resolver,
		Publisher: a.publisher,
		Events:    builder,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create relay: %w", err)
	}

	hooks := webhook.New(webhook.Options{
		Widgets:       widgets,
		Resolver:      resolver,
		Publisher:     a.publisher,
		Events:        builder,
		AuthToken:     cfg.TwilioAuthToken,
		PublicBaseURL: cfg.PublicBaseURL,
		Logger:        logger,
	})

	a.apiServer, err = api.NewServer(api.Options{
		Addr:           cfg.Addr(),
		Environment:    cfg.Environment,
		NodeID:         cfg.NodeID,
		Version:        version,
		AllowedOrigins: cfg.AllowedOrigins,
		SignalingPath:  cfg.SignalingPath,
		Signaling:      a.relay,
		Stats:          a.registry,
		Webhooks:       hooks,
		Logger:         logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create API server: %w", err)
	}

	if cfg.GRPCHealthPort > 0 {
		a.health = health.NewServer()
		a.grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(a.grpcServer, a.health)
		a.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		a.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	logger.Info("[App] Signaling server assembled",
		"addr", cfg.Addr(),
		"signaling_path", cfg.SignalingPath,
		"events", cfg.EventsBackend,
		"grpc_health_port", cfg.GRPCHealthPort)
	return a, nil
}

// buildWidgets picks Redis when configured, else the widgets file. A missing
// file leaves the server running without widgets. The returned provider is
// nil when there is no widget source at all.
func (a *Click2Call) buildWidgets() (widget.Provider, error) {
	var source widget.Provider
	switch {
	case a.redis != nil:
		source = widget.NewRedisProvider(a.redis, widget.DefaultKeyPrefix)
		a.logger.Info("[App] Widgets served from Redis", "prefix", widget.DefaultKeyPrefix)
	case a.config.WidgetsPath != "":
		files, err := widget.NewFileProvider(a.config.WidgetsPath, a.logger)
		if errors.Is(err, fs.ErrNotExist) {
			a.logger.Warn("[App] Widgets file not found, no widgets configured", "path", a.config.WidgetsPath)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load widgets: %w", err)
		}
		a.files = files
		source = files
	default:
		a.logger.Warn("[App] No widget source configured")
		return nil, nil
	}

	if a.config.WidgetCacheTTL > 0 {
		a.cache = widget.NewCachedProvider(source, a.config.WidgetCacheTTL)
		return a.cache, nil
	}
	return source, nil
}

func (a *Click2Call) buildPublisher() (events.Publisher, error) {
	switch a.config.EventsBackend {
	case "redis":
		if a.redis == nil {
			return nil, errors.New("events backend redis requires REDIS_URL")
		}
		return events.NewMultiPublisher(
			events.NewLoggingPublisher(a.logger),
			events.NewRedisPublisher(a.redis),
		), nil
	case "none":
		return events.NoopPublisher{}, nil
	default:
		return events.NewLoggingPublisher(a.logger), nil
	}
}

func (a *Click2Call) buildAuth() (auth.Authenticator, error) {
	keys, err := config.ParseKeyPairs(a.config.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("parse API_KEYS: %w", err)
	}

	var chain auth.Chain
	if a.config.JWTSecret != "" {
		chain = append(chain, auth.NewJWTAuthenticator(a.config.JWTSecret, a.config.JWTIssuer, 30*time.Second))
	}
	if len(keys) > 0 {
		chain = append(chain, auth.NewStaticKeys(keys))
	}
	if len(chain) == 0 {
		a.logger.Warn("[App] No JWT_SECRET or API_KEYS configured, accepting every connection")
		return auth.AllowAll{}, nil
	}
	return chain, nil
}

// Run serves until ctx is cancelled or a listener fails, then shuts every
// component down.
func (a *Click2Call) Run(ctx context.Context) error {
	var lis net.Listener
	if a.grpcServer != nil {
		addr := fmt.Sprintf("%s:%d", a.config.BindAddr, a.config.GRPCHealthPort)
		var err error
		if lis, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listen gRPC health on %s: %w", addr, err)
		}
		a.logger.Info("[App] Starting gRPC health server", "addr", addr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.apiServer.Start)

	if lis != nil {
		g.Go(func() error { return a.grpcServer.Serve(lis) })
		a.health.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
		a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// shutdown closes live connections first so clients see a going-away close,
// then stops the listeners.
func (a *Click2Call) shutdown() error {
	a.logger.Info("[App] Shutting down")
	if a.health != nil {
		a.health.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.relay.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.apiServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if a.grpcServer != nil {
		a.grpcServer.Stop()
	}
	return errors.Join(errs...)
}

// ReloadWidgets re-reads the widgets file and drops cached entries.
// It is a no-op for the Redis source.
func (a *Click2Call) ReloadWidgets() error {
	if a.files != nil {
		if err := a.files.Reload(); err != nil {
			return err
		}
	}
	if a.cache != nil {
		a.cache.InvalidateAll()
	}
	return nil
}

// Registry exposes the session registry.
func (a *Click2Call) Registry() *registry.Registry {
	return a.registry
}

// Close releases resources not owned by Run.
func (a *Click2Call) Close() error {
	var errs []error
	if a.cache != nil {
		a.cache.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/admin"
	"github.com/SanteonNL/orca/subscriptionengine/events"
	"github.com/SanteonNL/orca/subscriptionengine/globals"
	"github.com/SanteonNL/orca/subscriptionengine/healthcheck"
	"github.com/SanteonNL/orca/subscriptionengine/lib/otel"
	"github.com/SanteonNL/orca/subscriptionengine/messaging"
	"github.com/SanteonNL/orca/subscriptionengine/socket"
	"github.com/SanteonNL/orca/subscriptionengine/store"
	"github.com/SanteonNL/orca/subscriptionengine/subscriptions"
	"github.com/SanteonNL/orca/subscriptionengine/subscriptions/postgres"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Start runs the subscription engine until ctx is cancelled or the process receives SIGINT or SIGTERM.
// On shutdown, the HTTP server is stopped first, then the scheduler, then the message broker.
func Start(ctx context.Context, config Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	globals.StrictMode = config.StrictMode
	zerolog.SetGlobalLevel(config.LogLevel)

	tracerProvider, err := otel.Initialize(ctx, config.OpenTelemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("Failed to shut down OpenTelemetry")
		}
	}()

	// Set up dependencies
	clk := clock.WallClock
	var healthChecks []healthcheck.Check
	resources, err := store.New(config.Store)
	if err != nil {
		return fmt.Errorf("failed to create resource store: %w", err)
	}
	var registry subscriptions.Registry
	if config.Registry.Postgres.ConnectionString != "" {
		postgresRegistry, err := postgres.New(ctx, config.Registry.Postgres.ConnectionString)
		if err != nil {
			return fmt.Errorf("failed to create subscription registry: %w", err)
		}
		defer postgresRegistry.Close()
		healthChecks = append(healthChecks, healthcheck.Check{Name: "registry", Check: postgresRegistry.Ping})
		registry = postgresRegistry
	} else {
		log.Ctx(ctx).Warn().Msg("No subscription database configured, subscriptions are kept in memory")
		registry = subscriptions.NewMemoryRegistry()
	}
	statusChangedEvent := subscriptions.SubscriptionStatusChangedEvent{}
	broker, err := messaging.New(config.Messaging, []messaging.Entity{statusChangedEvent.Entity()})
	if err != nil {
		return fmt.Errorf("failed to create message broker: %w", err)
	}
	// Closed after the HTTP server and scheduler have stopped, since both send messages
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := broker.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to close message broker")
		}
	}()
	httpClient := newHTTPClient(config.Subscriptions.DeliveryTimeout)
	eventManager := events.NewManager(broker)
	for _, webhookURL := range config.Events.Webhooks {
		if err := eventManager.Subscribe(statusChangedEvent, events.NewWebhookHandler(webhookURL, httpClient).Handle); err != nil {
			return fmt.Errorf("failed to subscribe event webhook %s: %w", webhookURL, err)
		}
	}

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sessions := subscriptions.NewSessionTable(clk)
	subscriptions.RegisterSessionGauge(metricsRegistry, sessions)

	publicURL := config.Public.ParseURL()
	var notificationBaseURL = publicURL
	if publicURL == nil || !publicURL.IsAbs() {
		notificationBaseURL = nil
	}
	channels := map[subscriptions.ChannelType]subscriptions.Channel{
		subscriptions.ChannelTypeWebsocket: subscriptions.SocketChannel{Sessions: sessions},
		subscriptions.ChannelTypeRestHook:  subscriptions.NewWebhookChannel(httpClient, config.Subscriptions.Webhook.RateLimit),
		subscriptions.ChannelTypeMessage:   subscriptions.QueueChannel{Broker: broker, BaseURL: notificationBaseURL, Clock: clk},
	}
	schedulerOpts := []subscriptions.SchedulerOption{
		subscriptions.WithClock(clk),
		subscriptions.WithMetrics(subscriptions.NewMetrics(metricsRegistry)),
	}
	// An in-process broker without webhooks has nobody to receive status changes
	if _, inProcess := broker.(*messaging.MemoryBroker); !inProcess || len(config.Events.Webhooks) > 0 {
		schedulerOpts = append(schedulerOpts, subscriptions.WithStatusListener(subscriptions.PublishStatusChanges(eventManager, clk.Now)))
	}
	scheduler := subscriptions.NewScheduler(config.Subscriptions, registry, resources, channels, schedulerOpts...)

	// Register services
	httpHandler := http.NewServeMux()
	services := []Service{
		healthcheck.New(healthChecks...),
		admin.New(registry, scheduler, notificationBaseURL, clk),
		socket.New(registry, sessions),
	}
	if memoryStore, ok := resources.(*store.MemoryStore); ok {
		log.Ctx(ctx).Warn().Msg("Using in-memory resource store, resources can be written on /fhir")
		services = append(services, admin.NewStoreService(memoryStore))
	}
	for _, service := range services {
		service.RegisterHandlers(httpHandler)
	}
	httpHandler.Handle("GET /metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))

	// Start HTTP server
	listener, err := net.Listen("tcp", config.Public.Address)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	server := &http.Server{
		Handler:           httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Serve(listener)
	}()
	if err := scheduler.StartRecurring(config.Subscriptions.PollInterval); err != nil {
		_ = server.Close()
		return err
	}
	log.Ctx(ctx).Info().Msgf("Subscription engine started (poll interval=%s)", config.Subscriptions.PollInterval)

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = scheduler.Stop(context.Background())
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}
	shutdown(server, scheduler, sessions, config.ShutdownTimeout)
	return nil
}

func shutdown(server *http.Server, scheduler *subscriptions.Scheduler, sessions *subscriptions.SessionTable, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var result error
	if err := server.Shutdown(ctx); err != nil {
		result = errors.Join(result, fmt.Errorf("HTTP server shutdown: %w", err))
	}
	// Sessions stay bound until in-flight passes have drained, so socket matches aren't skipped
	if err := scheduler.Stop(ctx); err != nil {
		result = errors.Join(result, err)
	}
	// Hijacked websocket connections aren't closed by the HTTP server
	sessions.CloseAll()
	if result != nil {
		log.Warn().Err(result).Msg("Shutdown was not clean")
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = globals.DefaultTLSConfig.Clone()
	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
		Timeout:   timeout,
	}
}

type Service interface {
	RegisterHandlers(mux *http.ServeMux)
}

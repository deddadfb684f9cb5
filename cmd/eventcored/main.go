// Command eventcored runs the outbox dispatcher and dedupe processor as a
// single long-lived process, wiring one broker adapter (selected by
// driver) to the transactional outbox and the exactly-once consumer
// pipeline described for this module.
//
// Grounded on the library's cobra-based composition roots: flag layout
// and graceful-shutdown sequencing follow the pattern, config loading
// follows pkg/config.Load, and logging follows pkg/logger.Init.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lattice-events/eventcore/pkg/authz"
	"github.com/lattice-events/eventcore/pkg/broker"
	"github.com/lattice-events/eventcore/pkg/broker/adapters/kafka"
	"github.com/lattice-events/eventcore/pkg/broker/adapters/memory"
	"github.com/lattice-events/eventcore/pkg/broker/adapters/redisstream"
	"github.com/lattice-events/eventcore/pkg/config"
	"github.com/lattice-events/eventcore/pkg/dedupe"
	dedupememory "github.com/lattice-events/eventcore/pkg/dedupe/adapters/memory"
	dedupredis "github.com/lattice-events/eventcore/pkg/dedupe/adapters/redis"
	"github.com/lattice-events/eventcore/pkg/envelope"
	"github.com/lattice-events/eventcore/pkg/identity"
	localbusmemory "github.com/lattice-events/eventcore/pkg/localbus/adapters/memory"
	"github.com/lattice-events/eventcore/pkg/logger"
	"github.com/lattice-events/eventcore/pkg/metrics"
	"github.com/lattice-events/eventcore/pkg/ordered"
	"github.com/lattice-events/eventcore/pkg/outbox"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

// AppConfig composes every component's own Config struct, mirroring the
// nested-struct loading pkg/config.Load already supports via cleanenv.
type AppConfig struct {
	Logger logger.Config
	Broker broker.Config

	Memory      memory.Config
	Kafka       kafka.Config
	RedisStream redisstream.Config

	Resilient broker.ResilientConfig

	Outbox     outbox.Config
	Dispatcher outbox.DispatcherConfig

	DedupeDriver string `env:"DEDUPE_STORE_DRIVER" env-default:"memory"`
	Dedupe       dedupe.Config
	DedupeRedis  dedupredis.Config

	Ordered ordered.Config

	SigningKey string `env:"EVENTCORE_SIGNING_KEY" env-default:"dev-signing-key-change-me"`
	NodeID     string `env:"EVENTCORE_NODE_ID"`

	MetricsAddr string `env:"METRICS_ADDR" env-default:"127.0.0.1:9090"`

	Consume ConsumeConfig
}

// ConsumeConfig configures the daemon's own consume path: the
// subscribe -> authorize -> ordered -> dedupe pipeline that every
// exactly-once consumer built on this module runs. Topics is
// empty by default (the daemon then only runs the dispatcher); set it
// to turn eventcored into a consuming node as well as a publishing one.
type ConsumeConfig struct {
	Topics     []string `env:"EVENTCORE_CONSUME_TOPICS" env-separator:","`
	GroupID    string   `env:"EVENTCORE_CONSUME_GROUP" env-default:"eventcored"`
	AutoCommit bool     `env:"EVENTCORE_CONSUME_AUTO_COMMIT" env-default:"false"`
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "eventcored",
	Short:   "eventcore dispatcher and exactly-once processing daemon",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("eventcored version %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(migrateCmd)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the outbox dispatcher and dedupe cleanup loop until interrupted",
	RunE:  runStart,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate-outbox-schema",
	Short: "Create or update the outbox_entries table and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	var cfg AppConfig
	if err := config.Load(&cfg); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Init(cfg.Logger)

	store, err := outbox.NewGormStore(cfg.Outbox, "migrate")
	if err != nil {
		return fmt.Errorf("failed to open outbox store: %w", err)
	}
	defer store.Close()

	logger.L().InfoContext(context.Background(), "outbox schema migrated", "driver", cfg.Outbox.Driver)
	return nil
}

func buildBroker(cfg AppConfig) (broker.Broker, error) {
	var b broker.Broker
	switch cfg.Broker.Driver {
	case "kafka":
		kb, err := kafka.New(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("failed to build kafka broker: %w", err)
		}
		b = kb
	case "redisstream":
		b = redisstream.New(cfg.RedisStream)
	default:
		b = memory.New(cfg.Memory)
	}

	b = broker.NewInstrumentedBroker(b)
	b = broker.NewResilientBroker(b, cfg.Resilient)
	return b, nil
}

func buildDedupeStore(cfg AppConfig) (dedupe.Store, error) {
	if cfg.DedupeDriver == "redis" {
		return dedupredis.New(cfg.DedupeRedis)
	}
	return dedupememory.New(), nil
}

func runStart(cmd *cobra.Command, args []string) error {
	var cfg AppConfig
	if err := config.Load(&cfg); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Init(cfg.Logger)

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := buildBroker(cfg)
	if err != nil {
		return fmt.Errorf("failed to build broker: %w", err)
	}
	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}
	defer b.Disconnect(context.Background())

	bus := localbusmemory.New()
	defer bus.Close()
	if err := metrics.SubscribeLocalBus(bus); err != nil {
		return fmt.Errorf("failed to subscribe metrics to localbus: %w", err)
	}

	outboxStore, err := outbox.NewGormStore(cfg.Outbox, nodeID)
	if err != nil {
		return fmt.Errorf("failed to open outbox store: %w", err)
	}
	defer outboxStore.Close()

	cfg.Dispatcher.NodeID = nodeID
	dispatcher := outbox.NewDispatcher(outboxStore, b, cfg.Dispatcher, bus)

	dedupeStore, err := buildDedupeStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to build dedupe store: %w", err)
	}
	dedupeProcessor := dedupe.NewProcessor(dedupeStore, cfg.Dedupe, nodeID).WithBus(bus)

	orderedProcessor := ordered.New(cfg.Ordered)

	signer := identity.NewSigner([]byte(cfg.SigningKey))
	verifier := identity.NewVerifier([]byte(cfg.SigningKey))
	authorizer := authz.NewAuthorizer(authz.Config{CrossTenantAllowed: true}, verifier)
	replayGuard := authz.NewReplayGuard(dedupeStore, time.Hour)

	logger.L().InfoContext(ctx, "eventcored starting",
		"node_id", nodeID,
		"broker_driver", cfg.Broker.Driver,
		"dedupe_driver", cfg.DedupeDriver,
	)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L().ErrorContext(ctx, "metrics server error", "error", err)
		}
	}()
	logger.L().InfoContext(ctx, "metrics endpoint listening", "addr", cfg.MetricsAddr)

	go dedupeProcessor.CleanupLoop(ctx)

	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatcherDone)
	}()

	var consumeSub broker.Subscription
	if len(cfg.Consume.Topics) > 0 {
		consumeSub, err = b.Subscribe(ctx, cfg.Consume.Topics, cfg.Consume.GroupID, cfg.Consume.AutoCommit)
		if err != nil {
			return fmt.Errorf("failed to subscribe consume path: %w", err)
		}
		defer consumeSub.Close()

		consumePermissions := make([]string, len(cfg.Consume.Topics))
		for i, t := range cfg.Consume.Topics {
			consumePermissions[i] = "consume:" + t
		}
		consumeIdentity := &identity.ProducerIdentity{
			ProducerID:  "eventcored:" + nodeID,
			Role:        identity.RoleSystem,
			ServiceName: "eventcored",
			Permissions: consumePermissions,
			Timestamp:   time.Now(),
		}
		signer.Sign(consumeIdentity)

		go runConsumeLoop(ctx, consumeSub, consumeIdentity, authorizer, replayGuard, dedupeProcessor, orderedProcessor, cfg.Consume)
		logger.L().InfoContext(ctx, "consume path subscribed", "topics", cfg.Consume.Topics, "group", cfg.Consume.GroupID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.L().InfoContext(ctx, "shutdown signal received, draining")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := orderedProcessor.Shutdown(shutdownCtx); err != nil {
		logger.L().ErrorContext(shutdownCtx, "ordered processor shutdown error", "error", err)
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-dispatcherDone:
	case <-shutdownCtx.Done():
		logger.L().ErrorContext(shutdownCtx, "dispatcher did not stop within shutdown window")
	}

	logger.L().InfoContext(context.Background(), "eventcored stopped")
	return nil
}

// runConsumeLoop drives the daemon's own exactly-once consume path:
// subscribe (already open on entry) -> authorize -> replay guard ->
// ordered.Submit, whose handler runs dedupe.Wrap. It runs until ctx is
// canceled or the
// subscription closes.
func runConsumeLoop(ctx context.Context, sub broker.Subscription, consumeIdentity *identity.ProducerIdentity, authorizer *authz.Authorizer, replayGuard *authz.ReplayGuard, dedupeProcessor *dedupe.Processor, orderedProcessor *ordered.Processor, cfg ConsumeConfig) {
	for {
		rec, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.L().ErrorContext(ctx, "consume subscription error", "error", err)
			return
		}

		env, err := envelope.Decode(rec.Envelope)
		if err != nil {
			logger.L().ErrorContext(ctx, "dropping record with malformed envelope", "topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			metrics.ConsumeCount.WithLabelValues(rec.Topic, "malformed").Inc()
			continue
		}

		if err := authorizer.AuthorizeConsume(consumeIdentity, env); err != nil {
			logger.L().ErrorContext(ctx, "consume authorization denied", "envelope_id", env.ID, "error", err)
			metrics.ConsumeCount.WithLabelValues(env.Topic(), "denied").Inc()
			continue
		}
		if err := replayGuard.Check(ctx, env, consumeIdentity.ProducerID); err != nil {
			logger.L().WarnContext(ctx, "replay detected on consume", "envelope_id", env.ID, "error", err)
			metrics.ConsumeCount.WithLabelValues(env.Topic(), "replay").Inc()
			continue
		}

		record := rec
		handler := func(hctx context.Context, e *envelope.Envelope) error {
			outcome, err := dedupeProcessor.Wrap(e.TenantID, cfg.GroupID, deliver)(hctx, e)
			if err != nil {
				metrics.ConsumeCount.WithLabelValues(e.Topic(), "error").Inc()
				return err
			}
			metrics.ConsumeCount.WithLabelValues(e.Topic(), string(outcome)).Inc()
			if !cfg.AutoCommit {
				return sub.Commit(hctx, record)
			}
			return nil
		}

		if err := orderedProcessor.Submit(env, handler); err != nil {
			logger.L().ErrorContext(ctx, "failed to submit envelope to ordered processor", "envelope_id", env.ID, "error", err)
		}
	}
}

// deliver is the terminal handler for the daemon's own consume path. It
// has no downstream business logic of its own; a service embedding this
// module's consume pipeline replaces it with real handling.
func deliver(ctx context.Context, e *envelope.Envelope) error {
	logger.L().InfoContext(ctx, "envelope consumed", "envelope_id", e.ID, "type", e.Type, "tenant_id", e.TenantID)
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

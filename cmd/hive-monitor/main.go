// Command hive-monitor tails the Hive block stream and journals every
// qualifying operation: transfers touching tracked accounts, tagged
// custom-json messages, watched witness rewards and internal-market
// fills.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/config"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/errorcode"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/health"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/hive"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/journal"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/notify"
)

const serviceName = "hive-monitor"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := buildDispatcher(cfg)
	logger, err := buildLogger(cfg, dispatcher)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// The drain loop must attach before anything logs with notify set,
	// otherwise early notifications block on the synchronous fallback.
	dispatcher.Bind(ctx)

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return err
	}
	defer mongoClient.Disconnect(context.Background())
	db := mongoClient.Database(cfg.MongoDB)

	store, err := journal.NewMongoStore(ctx, db, cfg.MongoTimeout)
	if err != nil {
		return err
	}
	codes := errorcode.NewManager(db, logger.Named("errorcode"))

	registry := prometheus.NewRegistry()
	srv := health.NewServer(serviceName, registry, logger.Named("health"))
	go func() {
		if err := srv.Start(ctx, cfg.HealthPort); err != nil {
			logger.Warn("health server stopped", zap.Error(err))
		}
	}()

	client := hive.NewClient(cfg.HiveAPINodes, logger.Named("hive"))
	filter := hive.NewOpFilter(
		cfg.InterestingAccounts,
		hive.TrackedIDs(cfg.MessagePrefix),
		cfg.WatchedWitnesses,
	)
	watcher := hive.NewWatcher(client, store, filter,
		logger.Named("watcher"), hive.NewWatcherMetrics(registry))

	logger.Info("hive monitor starting",
		zap.Strings("accounts", cfg.InterestingAccounts),
		zap.String("prefix", cfg.MessagePrefix),
		zap.Bool("dev_mode", cfg.DevMode),
		zap.Bool("notify", true))

	health.Supervise(ctx, "hive_watcher", codes, srv, logger, watcher.Run)
	logger.Info("hive monitor stopped")
	return nil
}

func buildDispatcher(cfg *config.Config) *notify.Dispatcher {
	var transport notify.Transport = notify.NopTransport{}
	if cfg.NotifyBotURL != "" && cfg.NotifyBotToken != "" {
		chatIDs := map[string]string{"": cfg.NotifyChatID}
		for bot, chatID := range cfg.NotifyExtraBots {
			chatIDs[bot] = chatID
		}
		transport = notify.NewTelegramTransport(cfg.NotifyBotURL, cfg.NotifyBotToken,
			chatIDs, config.NotifyConnTimeout, config.NotifyReadTimeout)
	}
	return notify.NewDispatcher(transport, "", nil)
}

func buildLogger(cfg *config.Config, dispatcher *notify.Dispatcher) (*zap.Logger, error) {
	var base *zap.Logger
	var err error
	if cfg.DevMode {
		base, err = zap.NewDevelopment()
	} else {
		base, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return base.WithOptions(zap.WrapCore(func(inner zapcore.Core) zapcore.Core {
		return notify.WrapCore(inner, dispatcher, cfg.SilencedSources)
	})), nil
}

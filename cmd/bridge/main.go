// Command bridge drains the journal and executes the conversion flows:
// Hive deposits paid out over Lightning, Lightning deposits credited or
// delivered on chain, internal keepsats transfers and exchange
// rebalancing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/config"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/convert"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/errorcode"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/exchange"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/health"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/hive"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/journal"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledgercache"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/lnd"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/notify"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/policy"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/rates"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/router"
)

const serviceName = "bridge"

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
	dispatcher.Bind(ctx)

	// Stores.
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return err
	}
	defer mongoClient.Disconnect(context.Background())
	db := mongoClient.Database(cfg.MongoDB)

	journalStore, err := journal.NewMongoStore(ctx, db, cfg.MongoTimeout)
	if err != nil {
		return err
	}
	ledgerStore, err := ledger.NewMongoStore(ctx, db, cfg.MongoTimeout)
	if err != nil {
		return err
	}
	codes := errorcode.NewManager(db, logger.Named("errorcode"))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	cache := ledgercache.New(rdb, logger.Named("ledgercache"), cfg.DevMode)

	led := ledger.New(ledgerStore, cache, nil, logger.Named("ledger"))

	// Health and metrics.
	registry := prometheus.NewRegistry()
	srv := health.NewServer(serviceName, registry, logger.Named("health"))
	go func() {
		if err := srv.Start(ctx, cfg.HealthPort); err != nil {
			logger.Warn("health server stopped", zap.Error(err))
		}
	}()

	// Outbound transports.
	hiveClient := hive.NewClient(cfg.HiveAPINodes, logger.Named("hive"))
	signer := hive.NewRemoteSigner(cfg.HiveSignerURL, cfg.HiveSignerToken)
	broadcaster := &hive.RPCBroadcaster{Client: hiveClient, Signer: signer}

	lndClient, err := lnd.Dial(ctx, cfg.LNDHost, cfg.LNDTLSCertPath,
		cfg.LNDMacaroonPath, cfg.LNDNodeAlias)
	if err != nil {
		return err
	}
	defer lndClient.Close()
	resolver := lnd.NewAddressResolver()

	// Exchange adapter: the spot REST API, or the quote-based swap API
	// when the account is enabled for it.
	restAdapter := exchange.NewBinanceAdapter(cfg.ExchangeBaseURL,
		cfg.ExchangeAPIKey, cfg.ExchangeAPISecret)
	var adapter exchange.Adapter = restAdapter
	if cfg.UseSwapAPI {
		adapter = exchange.NewSwapAdapter(restAdapter)
	}

	ratesSvc := rates.NewService(exchange.NewTickerSource(adapter), db,
		logger.Named("rates"), cfg.DevMode)
	policies := policy.NewLoader(
		&hive.PolicySource{Client: hiveClient, Account: cfg.PolicyAccount},
		cfg.PolicyRefreshTTL, logger.Named("policy"))

	pendingStore := exchange.NewMongoPendingStore(db, cfg.MongoTimeout)
	if err := pendingStore.EnsureIndexes(ctx); err != nil {
		return err
	}
	rebalancer := exchange.NewRebalancer(adapter, pendingStore, led,
		"HIVE", cfg.ExchangeQuote, logger.Named("rebalance"))

	engine := convert.NewEngine(cfg, led, ratesSvc, policies,
		lndClient, resolver, broadcaster, rebalancer, logger.Named("convert"))
	rt := router.New(journalStore, engine,
		logger.Named("router"), router.NewMetrics(registry))

	logger.Info("bridge starting",
		zap.String("server_account", cfg.HiveServerAccount),
		zap.String("node_alias", cfg.LNDNodeAlias),
		zap.String("exchange", adapter.Name()),
		zap.Bool("dev_mode", cfg.DevMode),
		zap.Bool("notify", true))

	health.Supervise(ctx, "router", codes, srv, logger, rt.Run)
	logger.Info("bridge stopped")
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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"signal-gateway/internal/api"
	"signal-gateway/internal/engine"
	"signal-gateway/internal/events"
	"signal-gateway/internal/registry"
	"signal-gateway/internal/risk"
	sig "signal-gateway/internal/signal"
	"signal-gateway/internal/unified"
	"signal-gateway/pkg/brokers/common"
	"signal-gateway/pkg/brokers/mt4"
	"signal-gateway/pkg/brokers/mt5"
	"signal-gateway/pkg/brokers/projectx"
	"signal-gateway/pkg/brokers/tradelocker"
	"signal-gateway/pkg/brokers/tradovate"
	"signal-gateway/pkg/brokers/truforex"
	"signal-gateway/pkg/cache"
	"signal-gateway/pkg/config"
	"signal-gateway/pkg/db"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("config load failed", "error", err)
	}
	brokersCfg, err := config.LoadBrokers(cfg.BrokersFile)
	if err != nil {
		log.Fatalw("brokers file load failed", "file", cfg.BrokersFile, "error", err)
	}
	log.Infow("starting signal gateway", "port", cfg.Port, "brokers", len(brokersCfg.Brokers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalw("db init failed", "error", err)
	}
	defer database.Close()
	if err := database.InitSchema(); err != nil {
		log.Fatalw("db schema failed", "error", err)
	}
	store := db.NewStore(database.DB)

	if stale, err := store.CountStale(ctx); err == nil && stale > 0 {
		log.Warnw("non-terminal signals found from a previous run", "count", stale)
	}

	// Redis is optional; without it the cache and events stay in-process.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warnw("redis unreachable, continuing without mirror", "addr", cfg.RedisAddr, "error", err)
			rdb = nil
		}
	}

	local := cache.NewShardedCache()
	mirror := cache.NewMirror(local, rdb, cfg.CacheTTL, log)

	bus := events.NewBus()
	sink := events.NewSink(bus, rdb, "", log)

	// Brokers
	reg := registry.New(log)
	reg.SetNotifier(sink)
	for _, bc := range brokersCfg.Brokers {
		adapter := buildAdapter(bc)
		if adapter == nil {
			log.Warnw("skipping broker with unknown type", "name", bc.Name, "type", bc.Type)
			continue
		}
		reg.Register(adapter)
	}
	reg.ConnectAll(ctx)
	defer reg.CloseAll(context.Background())

	// Push listeners for the streaming-capable brokers.
	for _, name := range reg.Names() {
		adapter, _ := reg.Get(name)
		if s, ok := adapter.(common.Streamer); ok && adapter.Connected() {
			if err := s.StartStream(ctx, sink); err != nil {
				log.Warnw("push stream not started", "broker", name, "error", err)
			}
		}
	}

	// Risk gate
	riskCfg := risk.DefaultConfig()
	if brokersCfg.Risk != nil {
		r := brokersCfg.Risk
		riskCfg = risk.Config{
			Enabled:             r.Enabled,
			MaxPositionSize:     r.MaxPositionSize,
			MinQuantity:         r.MinQuantity,
			MaxQuantity:         r.MaxQuantity,
			MaxDailyLoss:        r.MaxDailyLoss,
			MaxDailyTrades:      r.MaxDailyTrades,
			CheckSymbolTradable: r.CheckSymbolTradable,
		}
	}
	gate := risk.NewGate(riskCfg, log)

	// Daily counters roll over at midnight UTC.
	go func() {
		for {
			now := time.Now().UTC()
			next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
			select {
			case <-time.After(next.Sub(now)):
				gate.ResetDaily()
			case <-ctx.Done():
				return
			}
		}
	}()

	// Periodic cache cleanup.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				local.Cleanup(time.Hour)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Engine + gateway
	policy := engine.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.RetryBackoff,
		CallTimeout: cfg.CallTimeout,
		Fallbacks:   brokersCfg.Fallbacks,
	}
	eng := engine.New(reg, gate, store, mirror, sink, policy, log)
	gw := unified.New(reg, cfg.CallTimeout, log)

	routes := make(map[string]sig.RouteDefaults, len(brokersCfg.Routes))
	for key, r := range brokersCfg.Routes {
		routes[key] = sig.RouteDefaults{Broker: r.Broker, AccountID: r.AccountID, Quantity: r.Quantity}
	}
	norm := sig.NewNormalizer(routes, log)

	// API
	server := api.NewServer(eng, gw, norm, store, mirror, bus, cfg.WebhookKeys, cfg.RateLimit, log)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalw("api server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Infow("shutting down")
}

// buildAdapter constructs the adapter variant a broker entry names.
func buildAdapter(bc config.BrokerConfig) common.Adapter {
	switch bc.Type {
	case "mt4":
		return mt4.New(mt4.Config{
			Name:     bc.Name,
			BaseURL:  bc.BaseURL,
			Login:    bc.Login,
			Password: bc.Password,
			Server:   bc.Server,
		})
	case "mt5":
		return mt5.New(mt5.Config{
			Name:     bc.Name,
			BaseURL:  bc.BaseURL,
			Login:    bc.Login,
			Password: bc.Password,
			Server:   bc.Server,
		})
	case "tradelocker":
		return tradelocker.New(tradelocker.Config{
			Name:     bc.Name,
			BaseURL:  bc.BaseURL,
			WSURL:    bc.WSURL,
			Email:    bc.Email,
			Password: bc.Password,
			Server:   bc.Server,
		})
	case "tradovate":
		return tradovate.New(tradovate.Config{
			Name:     bc.Name,
			BaseURL:  bc.BaseURL,
			WSURL:    bc.WSURL,
			Username: bc.Username,
			Password: bc.Password,
			AppID:    bc.AppID,
			ClientID: bc.CID,
			Secret:   bc.AppSecret,
		})
	case "projectx":
		return projectx.New(projectx.Config{
			Name:     bc.Name,
			BaseURL:  bc.BaseURL,
			WSURL:    bc.WSURL,
			Username: bc.Username,
			APIKey:   bc.APIKey,
		})
	case "truforex":
		return truforex.New(truforex.Config{
			Name:      bc.Name,
			BaseURL:   bc.BaseURL,
			AccountID: bc.AccountID,
			APIKey:    bc.APIKey,
		})
	default:
		return nil
	}
}

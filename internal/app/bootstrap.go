package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"market_pulse/internal/domain"
	"market_pulse/internal/engine"
	"market_pulse/internal/feed"
	"market_pulse/internal/history"
	"market_pulse/internal/infra"
	"market_pulse/internal/infra/cache"
	"market_pulse/internal/infra/exchange"
	"market_pulse/internal/infra/storage"
	"market_pulse/internal/portfolio"
	"market_pulse/internal/simulation"
	"market_pulse/internal/server"

	"github.com/redis/go-redis/v9"
)

const iconWorkers = 5

// Bootstrap orchestrates the application startup sequence.
// Every component is built here and handed to its users; nothing is global.
type Bootstrap struct {
	Config     *infra.Config
	Storage    *storage.Storage
	Downloader *infra.IconDownloader
	Metrics    *infra.Metrics

	Exchange *exchange.Client
	Feeds    *feed.Manager
	Engine   *engine.Engine
	Poller   *exchange.SnapshotPoller
	Server   *server.Server
	Redis    *redis.Client

	wg sync.WaitGroup
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger, DB, icons dir)
func (b *Bootstrap) Initialize(configPath string) error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("Bootstrapping market pulse...", slog.String("version", cfg.App.Version))

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("Database initialized", slog.String("path", cfg.Storage.Path))

	// 4. Initialize Icon Downloader
	downloader, err := infra.NewIconDownloader(cfg.Icons.Dir, cfg.Icons.Size)
	if err != nil {
		return err
	}
	b.Downloader = downloader

	b.Metrics = &infra.Metrics{}
	return nil
}

// Wire builds the pipeline: feeds, generator, merger, book, engine and its sinks.
func (b *Bootstrap) Wire(ctx context.Context) error {
	cfg := b.Config

	profiles, err := simulation.DefaultProfiles().With(profileOverrides(cfg.Volatility))
	if err != nil {
		return &domain.ConfigError{Field: "volatility", Err: err}
	}

	b.Exchange = exchange.NewClient(cfg.Exchange.RestURL, cfg.Exchange.SnapshotURL, cfg.HTTPTimeout())

	merger, err := history.NewMerger(b.Exchange, cfg.History.Interval, cfg.History.PageLimit)
	if err != nil {
		return &domain.ConfigError{Field: "history.interval", Err: err}
	}

	book := portfolio.NewBook()
	if err := book.Load(b.Storage); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	hub := server.NewHub()
	sinks := []engine.Sink{hub}

	if cfg.Redis.Enabled {
		client, err := cache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			// Redis only mirrors flushes; run without it.
			slog.Warn("Redis unavailable, flush mirroring disabled", slog.Any("error", err))
		} else {
			b.Redis = client
			sinks = append(sinks, cache.NewTickPublisher(client, ""))
			slog.Info("Redis flush mirroring enabled", slog.String("addr", cfg.Redis.Addr))
		}
	}

	b.Engine = engine.New(engine.Options{
		FlushInterval: cfg.FlushInterval(),
		SimTick:       cfg.SimTick(),
		InboxSize:     cfg.Engine.InboxSize,
	}, engine.Deps{
		Generator: simulation.NewGenerator(profiles),
		History:   merger,
		Book:      book,
		Metrics:   b.Metrics,
		Sinks:     sinks,
		Positions: b.Storage,
	})

	b.Feeds = feed.NewManager(feed.Options{
		WSURL: cfg.Exchange.WSURL,
		Policy: feed.Policy{
			BaseDelay:  time.Duration(cfg.Feed.BaseDelayMs) * time.Millisecond,
			MaxDelay:   time.Duration(cfg.Feed.MaxDelayMs) * time.Millisecond,
			MaxRetries: cfg.Feed.MaxRetries,
			SlowRetry:  time.Duration(cfg.Feed.SlowRetrySec) * time.Second,
		},
		HeartbeatWindow: time.Duration(cfg.Feed.HeartbeatWindowSec) * time.Second,
		HeartbeatCheck:  time.Duration(cfg.Feed.HeartbeatCheckSec) * time.Second,
		Metrics:         b.Metrics,
	}, b.Engine.Inbox())
	b.Engine.SetFeeds(b.Feeds)

	b.Server = server.New(cfg, b.Engine, b.Storage, hub)

	b.Poller = exchange.NewSnapshotPoller(b.Exchange, b.Engine.DegradedSymbols, b.Engine.Inbox(), cfg.SnapshotPoll())

	slog.Info("Pipeline wired",
		slog.Int("profiles", len(profiles)),
		slog.Int("sinks", len(sinks)),
	)
	return nil
}

// SeedCatalog writes the configured instruments to the catalog, keeping the
// user's flags, and returns the active ones.
func (b *Bootstrap) SeedCatalog() ([]domain.Instrument, error) {
	for _, ic := range b.Config.Instruments {
		inst := &domain.Instrument{
			Symbol:          ic.Symbol,
			Name:            ic.Name,
			Category:        ic.Category,
			BasePrice:       ic.BasePrice,
			StreamSupported: ic.Stream,
			IsActive:        true,
			UpdatedAt:       time.Now(),
		}
		if inst.Name == "" {
			inst.Name = domain.NormalizeSymbol(ic.Symbol)
		}

		// Check if exists to preserve IsFavorite
		existing, err := b.Storage.GetInstrument(ic.Symbol)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			inst.IsFavorite = existing.IsFavorite
			inst.IconPath = existing.IconPath
			inst.LastSyncedAt = existing.LastSyncedAt
			inst.CreatedAt = existing.CreatedAt
		}

		if err := b.Storage.UpsertInstrument(inst); err != nil {
			return nil, fmt.Errorf("seed %s: %w", ic.Symbol, err)
		}
	}
	return b.Storage.ActiveInstruments()
}

// Start tracks the catalog and launches every background task. It returns once
// they are running; Shutdown stops them.
func (b *Bootstrap) Start(ctx context.Context) error {
	instruments, err := b.SeedCatalog()
	if err != nil {
		return err
	}

	b.goRun(func() { b.Engine.Run(ctx) })
	b.goRun(func() { b.Feeds.Run(ctx) })

	for _, inst := range instruments {
		if err := b.Engine.Track(ctx, inst); err != nil {
			slog.Error("Failed to track instrument", slog.String("symbol", inst.Symbol), slog.Any("error", err))
		}
	}

	if err := b.Engine.Seed(ctx, b.Exchange); err != nil && !errors.Is(err, domain.ErrNoData) {
		slog.Warn("Initial snapshot failed", slog.Any("error", err))
	}
	if b.Config.Exchange.SnapshotURL != "" {
		b.Poller.Start(ctx)
	}

	b.goRun(func() { b.SyncAssets(ctx) })
	b.goRun(func() {
		if err := b.Server.Start(ctx); err != nil {
			slog.Error("HTTP server failed", slog.Any("error", err))
		}
	})

	slog.Info("Market pulse running", slog.Int("instruments", len(instruments)))
	return nil
}

// SyncAssets downloads missing instrument icons in the background.
func (b *Bootstrap) SyncAssets(ctx context.Context) {
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, iconWorkers) // Limit concurrent downloads

	for _, ic := range b.Config.Instruments {
		if ic.IconURL == "" {
			continue
		}

		wg.Add(1)
		go func(ic infra.InstrumentConfig) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}: // Acquire
			}
			defer func() { <-semaphore }() // Release

			path, err := b.Downloader.DownloadIcon(ctx, ic.Symbol, ic.IconURL)
			if err != nil {
				slog.Warn("Failed to download icon", slog.String("symbol", ic.Symbol), slog.Any("error", err))
				return
			}
			if err := b.Storage.MarkIconSynced(ic.Symbol, path); err != nil {
				slog.Error("Failed to record icon", slog.String("symbol", ic.Symbol), slog.Any("error", err))
			}
		}(ic)
	}

	wg.Wait()
	slog.Info("Asset synchronization completed")
}

// Shutdown stops the background tasks in reverse start order.
// ctx must already be cancelled for the loops to return.
func (b *Bootstrap) Shutdown() {
	if b.Server != nil {
		if err := b.Server.Shutdown(); err != nil {
			slog.Warn("HTTP shutdown failed", slog.Any("error", err))
		}
	}
	if b.Poller != nil {
		b.Poller.Stop()
	}
	if b.Feeds != nil {
		b.Feeds.Close()
	}

	b.wg.Wait()

	if b.Redis != nil {
		b.Redis.Close()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Failed to close database", slog.Any("error", err))
		}
	}
	slog.Info("Shutdown complete", slog.Any("metrics", b.Metrics.Snapshot()))
}

func (b *Bootstrap) goRun(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// profileOverrides turns the volatility section into profile overrides. Fields
// left at zero keep the built-in value of the category.
func profileOverrides(cfg map[domain.Category]infra.VolatilityConfig) simulation.ProfileTable {
	if len(cfg) == 0 {
		return nil
	}

	defaults := simulation.DefaultProfiles()
	out := make(simulation.ProfileTable, len(cfg))
	for cat, v := range cfg {
		p := defaults.Lookup(cat)
		p.Category = cat
		if v.BaseVolatility > 0 {
			p.BaseVolatility = v.BaseVolatility
		}
		if v.UpdateIntervalMs > 0 {
			p.UpdateIntervalMs = v.UpdateIntervalMs
		}
		if v.TrendPersistence > 0 {
			p.TrendPersistence = v.TrendPersistence
		}
		if v.MaxDeviation > 0 {
			p.MaxDeviation = v.MaxDeviation
		}
		out[cat] = p
	}
	return out
}

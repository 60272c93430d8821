package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framepipe/internal/api"
	"github.com/zsiec/framepipe/internal/certs"
	"github.com/zsiec/framepipe/internal/config"
	"github.com/zsiec/framepipe/internal/decode"
	"github.com/zsiec/framepipe/internal/framecache"
	"github.com/zsiec/framepipe/internal/handles"
	"github.com/zsiec/framepipe/internal/playback"
	"github.com/zsiec/framepipe/internal/prefetch"
	"github.com/zsiec/framepipe/internal/render"
	"github.com/zsiec/framepipe/internal/source"
	"github.com/zsiec/framepipe/internal/texture"
)

var version = "dev"

func main() {
	configPath := flag.String("config", envOr("FRAMEPIPE_CONFIG", ""), "path to the YAML config file")
	flag.Parse()

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	level.Set(cfg.Level())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, *configPath, level); err != nil {
		slog.Error("framepipe failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, configPath string, level *slog.LevelVar) error {
	log := slog.Default()

	cert, err := certs.Generate(cfg.API.CertValidity, cfg.API.CertHosts...)
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	sel, err := render.Negotiate(ctx, log, []render.Probe{{
		Tier: render.TierSoftware,
		Open: render.SoftwareOpener(render.SoftwareConfig{
			MaxTextureSize:   cfg.Render.MaxTextureSize,
			ExternalTextures: true,
		}),
	}})
	if err != nil {
		return err
	}
	defer sel.Backend.Close()

	a := newApp(cfg, log, sel.Backend)
	defer a.close()

	src, err := a.open(ctx, cfg.Source)
	if err != nil {
		return err
	}
	if err := a.player.SetSource(src); err != nil {
		return err
	}

	apiSrv, err := api.NewServer(api.ServerConfig{
		Addr:           cfg.API.Addr,
		H3Addr:         cfg.API.H3Addr,
		Cert:           cert,
		Player:         a.player,
		CacheStats:     a.cache.Stats,
		TextureStats:   a.importer.Stats,
		PrefetchStats:  a.prefetchStats,
		Sources:        a.sources.Infos,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	log.Info("framepipe starting",
		"version", version,
		"api", cfg.API.Addr,
		"h3", cfg.API.H3Addr,
		"render", sel.Tier,
		"source", src.URI(),
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	if a.prefetcher != nil {
		if err := a.prefetcher.Start(ctx); err != nil {
			return err
		}
		defer a.prefetcher.Stop()
	}

	g.Go(func() error { return apiSrv.Start(ctx) })
	g.Go(func() error { return a.loopOnEnd(ctx) })
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, log, func(next *config.Config) { a.reload(next, level) })
		})
	}

	if cfg.Playback.Autoplay {
		if err := a.player.Play(); err != nil {
			return err
		}
	}
	return g.Wait()
}

type app struct {
	cfg        *config.Config
	log        *slog.Logger
	cache      *framecache.Cache
	sources    *source.Manager
	prefetcher *prefetch.Prefetcher
	player     *playback.Controller
	importer   *texture.Importer
	backend    render.Backend
	ended      chan struct{}
}

func newApp(cfg *config.Config, log *slog.Logger, backend render.Backend) *app {
	cache := framecache.New(framecache.Config{
		MaxSizeBytes:    cfg.Cache.MaxSizeBytes(),
		MaxEntries:      cfg.Cache.MaxEntries,
		Policy:          cfg.Cache.Policy,
		TargetFillRatio: cfg.Cache.TargetFill,
		Logger:          log,
	})

	var pf *prefetch.Prefetcher
	if cfg.Prefetch.Enabled {
		pf = prefetch.New(prefetch.Config{
			MaxConcurrent:      cfg.Prefetch.MaxConcurrent,
			RequestTimeout:     cfg.Prefetch.Timeout,
			LookAhead:          cfg.Prefetch.LookAhead,
			LookBehind:         cfg.Prefetch.LookBehind,
			Adaptive:           cfg.Prefetch.Adaptive,
			SlowFetchThreshold: cfg.Prefetch.SlowFetch,
			Cache:              cache,
			Logger:             log,
		})
	}

	player := playback.New(playback.Config{
		BufferCapacity:   cfg.Playback.BufferCapacity,
		TargetBufferFill: cfg.Playback.TargetBufferFill,
		SyncThresholdMs:  cfg.Playback.SyncThresholdMs,
		Storage:          handles.New(log),
		Prefetcher:       pf,
		Logger:           log,
	})
	if err := player.SetRate(cfg.Playback.Rate); err != nil {
		log.Warn("ignoring playback rate", "error", err)
	}

	importer := texture.New(texture.Config{MaxPooledPerSize: cfg.Texture.MaxPooledPerSize, Logger: log})
	importer.SetBackend(backend)

	a := &app{
		cfg:        cfg,
		log:        log,
		cache:      cache,
		sources:    source.NewManager(cache, log),
		prefetcher: pf,
		player:     player,
		importer:   importer,
		backend:    backend,
		ended:      make(chan struct{}, 1),
	}
	player.Subscribe(a.onEvent)
	return a
}

// open creates the synthetic stream described by sc and opens it through
// the manager.
func (a *app) open(ctx context.Context, sc config.SourceConfig) (*source.Source, error) {
	syn := decode.NewSynthetic(decode.SyntheticConfig{
		Width:   sc.Width,
		Height:  sc.Height,
		FPS:     sc.FPS,
		Frames:  sc.Frames,
		GOP:     sc.GOP,
		Codec:   sc.Codec,
		Native:  sc.Native,
		Latency: sc.DecodeLatency,
		Audio:   sc.Audio,
	})
	return a.sources.Open(ctx, source.OpenRequest{
		URI:      sc.URI,
		Demuxer:  syn.Demuxer(),
		Hardware: syn.Factory(true),
		Software: syn.Factory(false),
	})
}

// onEvent runs on the controller's goroutines and must not call back into it.
func (a *app) onEvent(ev playback.Event) {
	switch ev.Type {
	case playback.EventFrame:
		if !ev.Frame.ShouldDrop {
			a.present(ev.Frame)
		}
	case playback.EventEnded:
		select {
		case a.ended <- struct{}{}:
		default:
		}
	case playback.EventError:
		a.log.Warn("playback error", "message", ev.Message)
	case playback.EventStateChange:
		a.log.Info("playback state", "state", ev.State)
	}
}

// present imports the frame, draws it to the screen and releases the
// texture. The handle is valid for the duration of the event.
func (a *app) present(fe *playback.FrameEvent) {
	frame, ok := a.player.Storage().Get(fe.Info.Handle)
	if !ok {
		return
	}
	imp, err := a.importer.Import(frame, texture.Options{ZeroCopy: a.cfg.Texture.ZeroCopy})
	if err != nil {
		a.log.Warn("texture import failed", "frame", fe.Info.FrameNumber, "error", err)
		return
	}
	defer func() {
		if err := a.importer.Release(imp); err != nil {
			a.log.Warn("texture release failed", "frame", fe.Info.FrameNumber, "error", err)
		}
	}()

	if err := a.backend.BeginFrame(); err != nil {
		a.log.Warn("begin frame", "error", err)
		return
	}
	err = a.backend.RenderToScreen(imp.Texture, render.RenderOptions{
		Width:   imp.Width,
		Height:  imp.Height,
		Opacity: 1,
	})
	if err != nil {
		a.log.Warn("render", "frame", fe.Info.FrameNumber, "error", err)
	}
	if err := a.backend.EndFrame(); err != nil {
		a.log.Warn("end frame", "error", err)
	}
}

// loopOnEnd restarts playback from the top after it ends when looping is
// enabled.
func (a *app) loopOnEnd(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.ended:
		}
		if !a.cfg.Playback.Loop {
			continue
		}
		a.log.Info("looping playback")
		if err := a.player.Seek(0); err != nil {
			return fmt.Errorf("loop seek: %w", err)
		}
		if err := a.player.Play(); err != nil && !errors.Is(err, playback.ErrEnded) {
			return fmt.Errorf("loop play: %w", err)
		}
	}
}

func (a *app) prefetchStats() prefetch.Stats {
	if a.prefetcher == nil {
		return prefetch.Stats{}
	}
	return a.prefetcher.Stats()
}

// reload applies the hot-reloadable settings of next.
func (a *app) reload(next *config.Config, level *slog.LevelVar) {
	for _, c := range config.Diff(a.cfg, next) {
		a.log.Info("config changed", "field", c.Field, "old", c.Old, "new", c.New)
	}
	level.Set(next.Level())
	a.cache.SetMaxSize(next.Cache.MaxSizeBytes())
	a.player.SetSyncThreshold(next.Playback.SyncThresholdMs)
	if err := a.player.SetRate(next.Playback.Rate); err != nil {
		a.log.Warn("ignoring playback rate", "error", err)
	}
	if a.prefetcher != nil {
		a.prefetcher.SetLookAhead(next.Prefetch.LookAhead)
	}
	a.cfg.LogLevel = next.LogLevel
	a.cfg.Cache.MaxSizeMB = next.Cache.MaxSizeMB
	a.cfg.Playback.SyncThresholdMs = next.Playback.SyncThresholdMs
	a.cfg.Playback.Rate = next.Playback.Rate
	a.cfg.Prefetch.LookAhead = next.Prefetch.LookAhead
}

func (a *app) close() {
	if err := a.player.Close(); err != nil {
		a.log.Warn("close player", "error", err)
	}
	a.importer.ClearPool()
	if err := a.sources.CloseAll(); err != nil {
		a.log.Warn("close sources", "error", err)
	}
	a.cache.Clear()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

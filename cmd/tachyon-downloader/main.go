// Command tachyon-downloader runs the download engine's HTTP/WebSocket
// server: it wires config, logging, persistence, the link-health registry,
// the slot pool, the download engine, the manager and the API router, then
// serves until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/tachyon-dl/downloader/internal/api"
	"github.com/tachyon-dl/downloader/internal/chunkplan"
	"github.com/tachyon-dl/downloader/internal/config"
	"github.com/tachyon-dl/downloader/internal/downloader"
	"github.com/tachyon-dl/downloader/internal/eventbus"
	"github.com/tachyon-dl/downloader/internal/linkhealth"
	"github.com/tachyon-dl/downloader/internal/manager"
	"github.com/tachyon-dl/downloader/internal/netdisk"
	"github.com/tachyon-dl/downloader/internal/obslog"
	"github.com/tachyon-dl/downloader/internal/slotpool"
	"github.com/tachyon-dl/downloader/internal/walstore"
)

func main() {
	if err := run(); err != nil {
		println("tachyon-downloader:", err.Error())
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to an ini config file (defaults apply if omitted)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := obslog.New(obslog.Options{
		LogDir: filepath.Join(cfg.Persistence.DataDir, "logs"),
		Level:  slog.LevelInfo,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	if err := os.MkdirAll(cfg.Persistence.DataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Persistence.WALDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Download.DownloadDir, 0o755); err != nil {
		return err
	}

	store, err := walstore.OpenStore(filepath.Join(cfg.Persistence.DataDir, "tachyon.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	walPath := filepath.Join(cfg.Persistence.WALDir, "tachyon.wal")
	wal, err := walstore.OpenWAL(walPath,
		time.Duration(cfg.Persistence.WALFlushInterval)*time.Millisecond,
		cfg.Persistence.WALBatchSize)
	if err != nil {
		return err
	}
	defer wal.Close()

	persist := walstore.New(wal, store, cfg.Persistence.CompactEvery)
	if err := persist.Recover(walPath); err != nil {
		return err
	}

	bus := eventbus.New(cfg.EventBus.SubscriberQueueSize, logger)

	// No authenticated Baidu Netdisk session is wired up yet; the stub
	// stands in until a real Port implementation lands on the other side
	// of this boundary.
	port := netdisk.NewStub()

	provider := linkhealth.NewProvider(port, logger)
	links := linkhealth.NewRegistry(provider, logger, linkhealth.DefaultScoringParams())

	slots := slotpool.New(int64(cfg.Download.MaxGlobalThreads))

	// No authenticated account tier is wired up yet (see the netdisk.Stub
	// note above); every task plans chunks as an unprivileged account.
	vipTier := chunkplan.TierNone

	eng := downloader.NewEngine(logger, slots, links, persist, bus, port, downloader.Config{
		KTask:                   2,
		MaxRetries:              cfg.Download.MaxRetries,
		VIPTier:                 vipTier,
		MaxBandwidthBytesPerSec: int64(cfg.Download.MaxBandwidthMBps) * 1024 * 1024,
		BaseChunkSizeBytes:      int64(cfg.Download.ChunkSizeMB) * 1024 * 1024,
	})

	mgr := manager.New(eng, port, bus, persist, logger,
		cfg.Download.MaxConcurrentTasks, cfg.Download.MaxRetries, cfg.Download.DownloadDir)

	srv := api.New(mgr, bus, logger, cfg.Server.CORSOrigins, vipTier)

	addr := cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tachyon-downloader: listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("tachyon-downloader: shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

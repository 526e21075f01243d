// Package downloader implements the Chunk Worker and File Task Engine: the
// execution of one file task's lifecycle, from admission through chunk
// dispatch to finalization. It pulls URLs from the link-health registry
// rather than a fixed task URL, acquires leases from the slot pool rather
// than counting local goroutines, and persists via the WAL and event bus
// rather than direct storage calls.
package downloader

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/tachyon-dl/downloader/internal/chunkplan"
	"github.com/tachyon-dl/downloader/internal/eventbus"
	"github.com/tachyon-dl/downloader/internal/linkhealth"
	"github.com/tachyon-dl/downloader/internal/netdisk"
	"github.com/tachyon-dl/downloader/internal/slotpool"
	"github.com/tachyon-dl/downloader/internal/walstore"
)

const (
	// BufferSize is the maximum block size a Chunk Worker streams at once.
	BufferSize = 64 * 1024

	GenericUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
)

// Config holds the File Task Engine's tunable policy knobs, sourced from
// internal/config's [download] section.
type Config struct {
	KTask                   int64 // fixed slots reserved per task on admission
	MaxRetries              int   // per-range retry cap
	VIPTier                 chunkplan.VIPTier
	MaxBandwidthBytesPerSec int64 // 0 disables the global cap
	BaseChunkSizeBytes      int64 // 0 lets chunkplan pick from its size table
}

// Engine is the shared machinery every Task uses: HTTP transport, the
// global slot pool, link health, persistence and the event bus. It holds
// no per-task state of its own -- that lives on each Task -- so one
// Engine backs every concurrently running download.
type Engine struct {
	logger     *slog.Logger
	httpClient *http.Client
	slots      *slotpool.Pool
	links      *linkhealth.Registry
	persist    *walstore.Persistence
	bus        *eventbus.Bus
	port       netdisk.Port
	cfg        Config
	bwLimiter  *rate.Limiter // nil when MaxBandwidthBytesPerSec is unset
}

func NewEngine(logger *slog.Logger, slots *slotpool.Pool, links *linkhealth.Registry,
	persist *walstore.Persistence, bus *eventbus.Bus, port netdisk.Port, cfg Config) *Engine {

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.KTask <= 0 {
		cfg.KTask = 2
	}

	var limiter *rate.Limiter
	if cfg.MaxBandwidthBytesPerSec > 0 {
		burst := cfg.MaxBandwidthBytesPerSec
		if burst < BufferSize {
			burst = BufferSize
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxBandwidthBytesPerSec), int(burst))
	}

	return &Engine{
		logger:     logger,
		httpClient: &http.Client{Transport: transport, Timeout: 0},
		slots:      slots,
		links:      links,
		persist:    persist,
		bus:        bus,
		port:       port,
		cfg:        cfg,
		bwLimiter:  limiter,
	}
}

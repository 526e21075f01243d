// Package config loads the engine's on-disk configuration, an ini-shaped
// file with [server], [download], [persistence] and [eventbus] sections.
// Defaults are applied per key: a missing or unparsable key falls back to
// a constant rather than failing the load.
package config

import (
	"fmt"
	"path/filepath"

	"gopkg.in/ini.v1"
)

type Server struct {
	Host        string   `ini:"host"`
	Port        int      `ini:"port"`
	CORSOrigins []string `ini:"-"`
}

type Download struct {
	DownloadDir        string `ini:"download_dir"`
	MaxGlobalThreads   int    `ini:"max_global_threads"`
	ChunkSizeMB        int    `ini:"chunk_size_mb"` // 0 lets chunkplan pick from its size table; positive overrides it for every task
	MaxConcurrentTasks int    `ini:"max_concurrent_tasks"`
	MaxRetries         int    `ini:"max_retries"`
	MaxBandwidthMBps   int    `ini:"max_bandwidth_mbps"` // 0 disables the global cap
}

type Persistence struct {
	DataDir          string `ini:"data_dir"`
	WALDir           string `ini:"wal_dir"`
	WALFlushInterval int    `ini:"wal_flush_interval_ms"`
	WALBatchSize     int    `ini:"wal_batch_size"`
	CompactEvery     int    `ini:"compact_every_n_events"`
}

type EventBus struct {
	SubscriberQueueSize int `ini:"subscriber_queue_size"`
}

type Config struct {
	Server      Server
	Download    Download
	Persistence Persistence
	EventBus    EventBus
}

// Default returns a Config populated with the same defaults the settings
// layer falls back to when a key is missing from the file entirely.
func Default() *Config {
	return &Config{
		Server: Server{
			Host:        "127.0.0.1",
			Port:        8899,
			CORSOrigins: []string{"*"},
		},
		Download: Download{
			DownloadDir:        "./downloads",
			MaxGlobalThreads:   16,
			ChunkSizeMB:        0,
			MaxConcurrentTasks: 5,
			MaxRetries:         5,
			MaxBandwidthMBps:   0,
		},
		Persistence: Persistence{
			DataDir:          "./data",
			WALDir:           "./wal",
			WALFlushInterval: 100,
			WALBatchSize:     64,
			CompactEvery:     1000,
		},
		EventBus: EventBus{
			SubscriberQueueSize: 256,
		},
	}
}

// Load reads path (ini-shaped) over the defaults; a missing file is not an
// error (the defaults stand), matching the "absent key -> default"
// posture rather than failing startup over an optional file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := ini.LoadSources(ini.LoadOptions{Loose: true, AllowShadows: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	if sec, err := f.GetSection("server"); err == nil {
		if err := sec.MapTo(&cfg.Server); err != nil {
			return nil, fmt.Errorf("config: parse [server]: %w", err)
		}
		cfg.Server.CORSOrigins = sec.Key("cors_origins").Strings(",")
		if len(cfg.Server.CORSOrigins) == 0 {
			cfg.Server.CORSOrigins = []string{"*"}
		}
	}
	if sec, err := f.GetSection("download"); err == nil {
		if err := sec.MapTo(&cfg.Download); err != nil {
			return nil, fmt.Errorf("config: parse [download]: %w", err)
		}
	}
	if sec, err := f.GetSection("persistence"); err == nil {
		if err := sec.MapTo(&cfg.Persistence); err != nil {
			return nil, fmt.Errorf("config: parse [persistence]: %w", err)
		}
	}
	if sec, err := f.GetSection("eventbus"); err == nil {
		if err := sec.MapTo(&cfg.EventBus); err != nil {
			return nil, fmt.Errorf("config: parse [eventbus]: %w", err)
		}
	}

	if !filepath.IsAbs(cfg.Download.DownloadDir) {
		abs, err := filepath.Abs(cfg.Download.DownloadDir)
		if err != nil {
			return nil, fmt.Errorf("config: download_dir must resolve to an absolute path: %w", err)
		}
		cfg.Download.DownloadDir = abs
	}

	return cfg, nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/voxqueue/voxqueue/internal/bus"
	"github.com/voxqueue/voxqueue/internal/config"
	. "github.com/voxqueue/voxqueue/internal/logging"
	"github.com/voxqueue/voxqueue/internal/orchestrator"
	"github.com/voxqueue/voxqueue/internal/paths"
	"github.com/voxqueue/voxqueue/internal/queue"
	"github.com/voxqueue/voxqueue/internal/stt"
)

const version = "0.1.0"

func main() {
	var (
		configPath    = flag.String("config", "", "path to voxqueue.yaml (default: ./voxqueue.yaml, then ~/.voxqueue/voxqueue.yaml)")
		logLevel      = flag.String("log-level", "", "override log level (trace|debug|info|warn|error)")
		downloadModel = flag.String("download-model", "", "download a whisper model (e.g. ggml-base.bin) and exit")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("voxqueued %s\n", version)
		return
	}

	// Resolve the config path before logging is up, so a bad flag fails
	// loudly on stderr rather than through a half-initialized logger.
	path := *configPath
	if path == "" {
		var err error
		path, err = paths.ConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "voxqueued: %v\n", err)
			os.Exit(1)
		}
		if path == "" {
			path, err = paths.DefaultConfigPath()
			if err != nil {
				fmt.Fprintf(os.Stderr, "voxqueued: %v\n", err)
				os.Exit(1)
			}
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxqueued: %v\n", err)
		os.Exit(1)
	}

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	Init(&Options{Level: ParseLevel(level)})

	L_info("voxqueued %s starting", version)

	dataDir, err := cfg.DataDirOrDefault()
	if err != nil {
		L_fatal("failed to resolve data directory: %v", err)
	}
	if err := paths.EnsureDir(dataDir); err != nil {
		L_fatal("failed to create data directory: %v", err)
	}

	if *downloadModel != "" {
		model := stt.GetModel(*downloadModel)
		if model == nil {
			L_fatal("unknown model %s; known models include ggml-tiny.bin through ggml-large-v3.bin", *downloadModel)
		}
		if err := stt.DownloadModel(context.Background(), model, cfg.STT.WhisperCpp.ModelsDir); err != nil {
			L_fatal("model download failed: %v", err)
		}
		return
	}

	store, err := queue.NewStore(filepath.Join(dataDir, "jobs.db"))
	if err != nil {
		L_fatal("failed to open job store: %v", err)
	}
	defer store.Close()

	// The live config is swapped whole on reload; readers take the
	// pointer under the lock and work from that snapshot.
	var cfgMu sync.RWMutex
	current := func() stt.Config {
		cfgMu.RLock()
		defer cfgMu.RUnlock()
		return cfg.STT
	}

	registry := stt.NewConfigRegistry(current, stt.EnvCredentials{})
	defer registry.Close()

	events := bus.New()
	orch := orchestrator.New(registry)
	worker := queue.NewWorker(store, orch, events, current)

	watcher, err := config.NewWatcher(path, 500, func() {
		next, err := config.Load(path)
		if err != nil {
			L_warn("config: reload failed, keeping previous", "error", err)
			return
		}
		cfgMu.Lock()
		cfg = next
		cfgMu.Unlock()
		// Cached providers may hold stale credentials or model paths.
		registry.InvalidateAll()
		if next.LogLevel != "" {
			SetLevel(ParseLevel(next.LogLevel))
		}
	})
	if err != nil {
		L_warn("config: watcher unavailable, edits need a restart", "error", err)
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Audio files on the command line are enqueued before the loop
	// starts draining.
	for _, arg := range flag.Args() {
		abs, err := filepath.Abs(arg)
		if err != nil {
			L_warn("skipping argument", "arg", arg, "error", err)
			continue
		}
		if _, err := worker.Enqueue(abs, 0); err != nil {
			L_warn("failed to enqueue", "path", abs, "error", err)
		}
	}

	L_info("voxqueued ready", "data", dataDir)
	worker.Run(ctx)
	L_info("voxqueued shutting down")
}

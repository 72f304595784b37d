package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"aofstore/internal/aof"
	"aofstore/internal/dispatch"
	"aofstore/internal/filter"
	"aofstore/internal/logging"
	"aofstore/internal/network/resp"
	"aofstore/internal/storage"
	"aofstore/pkg/config"
)

var (
	configPath = flag.String("config", "configs/hypercache.yaml", "Path to configuration file")
	nodeID     = flag.String("node-id", "", "Unique node identifier")
	port       = flag.Int("port", 0, "Port to bind the RESP server (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *nodeID != "" {
		cfg.Node.ID = *nodeID
		cfg.Node.DataDir = fmt.Sprintf("%s/%s", cfg.Node.DataDir, *nodeID)
	}
	if *port != 0 {
		cfg.Network.RESPPort = *port
	}

	logger, err := logging.InitializeFromConfig(cfg.Node.ID, logging.LogConfig{
		Level:         cfg.Logging.Level,
		EnableConsole: cfg.Logging.EnableConsole,
		EnableFile:    cfg.Logging.EnableFile,
		LogFile:       cfg.Logging.LogFile,
		BufferSize:    cfg.Logging.BufferSize,
		LogDir:        cfg.Logging.LogDir,
		MaxFileSize:   cfg.Logging.MaxFileSize,
		MaxFiles:      cfg.Logging.MaxFiles,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	startupCorrelationID := logging.NewCorrelationID()
	ctx := logging.WithCorrelationID(context.Background(), startupCorrelationID)

	logging.Info(ctx, logging.ComponentMain, logging.ActionStart, "aofstore node starting", map[string]interface{}{
		"node_id":     cfg.Node.ID,
		"config_file": *configPath,
	})

	if _, err := os.Stat(cfg.Node.DataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			logging.Fatal(ctx, logging.ComponentMain, logging.ActionStart, "Failed to create data directory", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	maxMemory := parseSize(cfg.Cache.MaxMemory)
	if maxMemory == 0 {
		maxMemory = 8 * 1024 * 1024 * 1024
	}

	defaultTTL := time.Hour
	if cfg.Cache.DefaultTTL != "" {
		if parsed, err := time.ParseDuration(cfg.Cache.DefaultTTL); err == nil {
			defaultTTL = parsed
		}
	}

	dataset, err := storage.NewDataset(storage.DatasetConfig{
		Databases:        cfg.Cache.Databases,
		MaxMemory:        maxMemory,
		DefaultTTL:       defaultTTL,
		EnableStatistics: true,
		CleanupInterval:  time.Minute,
		FilterConfig: &filter.FilterConfig{
			Name:              "default",
			FilterType:        "cuckoo",
			ExpectedItems:     1000000,
			FalsePositiveRate: cfg.Cache.CuckooFilterFPP,
			FingerprintSize:   12,
			BucketSize:        4,
			EnableAutoResize:  true,
			EnableStatistics:  true,
			HashFunction:      "xxhash",
		},
	})
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	defer dataset.Close()

	dispatcher := dispatch.NewInMemoryDispatcher(dataset)

	var engine *aof.Engine
	if cfg.Persistence.Enabled {
		policy, err := aof.ParsePolicy(cfg.Persistence.FsyncPolicy)
		if err != nil {
			log.Fatalf("Invalid persistence configuration: %v", err)
		}

		engine = aof.NewEngine(aof.Options{
			Dir:                 cfg.Persistence.Dir,
			ManifestName:        aof.DefaultManifestName,
			LegacyFilename:      cfg.Persistence.Filename,
			Policy:              policy,
			UseSnapshotPreamble: cfg.Persistence.UseSnapshotPreamble,
			RewritePct:          cfg.Persistence.RewritePct,
			RewriteMinSize:      cfg.Persistence.RewriteMinSize,
			LoadTruncated:       cfg.Persistence.LoadTruncated,
			DisableAutoGC:       cfg.Persistence.DisableAutoGC,
			TimestampEnabled:    cfg.Persistence.TimestampEnabled,
			NoFsyncOnRewrite:    cfg.Persistence.NoFsyncOnRewrite,
		}, dispatcher, logger)

		loadResult, err := engine.Load(shutdownCtx)
		if err != nil {
			log.Fatalf("Failed to load AOF: %v", err)
		}
		if loadResult.Fresh {
			if err := engine.Enable(shutdownCtx); err != nil {
				log.Fatalf("Failed to enable AOF: %v", err)
			}
		}

		logging.Info(ctx, logging.ComponentPersistence, logging.ActionStart, "AOF engine ready", map[string]interface{}{
			"dir":   cfg.Persistence.Dir,
			"fresh": loadResult.Fresh,
		})

		go ratioTriggerLoop(shutdownCtx, engine)

		defer func() {
			if err := engine.Shutdown(context.Background()); err != nil {
				logging.Error(ctx, logging.ComponentPersistence, logging.ActionStop, "AOF shutdown failed", err)
			}
		}()
	}

	defaultStore, err := dataset.Store(0)
	if err != nil {
		log.Fatalf("Failed to access default database: %v", err)
	}

	respBindAddr := fmt.Sprintf("%s:%d", cfg.Network.RESPBindAddr, cfg.Network.RESPPort)

	var journal resp.Journal
	if engine != nil {
		journal = engine
	}
	respServer := resp.NewServer(respBindAddr, defaultStore, journal)

	go func() {
		fmt.Printf("RESP server listening on %s\n", respBindAddr)
		if err := respServer.Start(); err != nil {
			log.Printf("RESP server error: %v", err)
		}
	}()

	httpPort := cfg.Network.RESPPort + 1000
	go func() {
		if err := startHTTPServer(shutdownCtx, defaultStore, engine, httpPort, cfg.Node.ID); err != nil {
			log.Printf("HTTP API server error: %v", err)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c
	fmt.Printf("\nShutting down aofstore node: %s\n", cfg.Node.ID)

	if err := respServer.Stop(); err != nil {
		log.Printf("RESP server stop error: %v", err)
	}
	cancel()

	fmt.Println("Shutdown complete")
}

// ratioTriggerLoop polls the engine's ratio-based rewrite trigger the way a
// real event loop would check it once per serving iteration, rather than
// leaving size-triggered rewrites entirely to a manual triggerRewrite call.
func ratioTriggerLoop(ctx context.Context, engine *aof.Engine) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.MaybeRatioTrigger(ctx)
		}
	}
}

// parseSize parses size strings (e.g. "100MB") into bytes.
func parseSize(sizeStr string) uint64 {
	if sizeStr == "" {
		return 0
	}

	multipliers := map[string]uint64{
		"B":  1,
		"KB": 1024,
		"MB": 1024 * 1024,
		"GB": 1024 * 1024 * 1024,
		"TB": 1024 * 1024 * 1024 * 1024,
	}

	var size uint64
	var unit string

	n, err := fmt.Sscanf(sizeStr, "%d%s", &size, &unit)
	if err != nil || n != 2 {
		return 0
	}

	multiplier, exists := multipliers[unit]
	if !exists {
		multiplier = 1
	}

	return size * multiplier
}

// startHTTPServer serves a small REST facade over the default database,
// alongside the RESP listener, the way the teacher exposed both protocols
// from one process.
func startHTTPServer(ctx context.Context, store *storage.BasicStore, engine *aof.Engine, port int, nodeID string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		correlationID := logging.GetCorrelationID(r.Context())
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
			r = r.WithContext(logging.WithCorrelationID(r.Context(), correlationID))
		}

		logging.Info(r.Context(), logging.ComponentHTTP, "health_check", "Health check requested")

		response := map[string]interface{}{
			"healthy":        true,
			"node":           nodeID,
			"correlation_id": correlationID,
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Correlation-ID", correlationID)
		json.NewEncoder(w).Encode(response)
	})

	if engine != nil {
		mux.HandleFunc("/api/persistence/status", func(w http.ResponseWriter, r *http.Request) {
			status := engine.Status()
			response := map[string]interface{}{
				"rewrite_state":     status.Rewriter.State.String(),
				"rewrite_base_size": status.Rewriter.RewriteBaseSize,
				"failure_count":     status.Rewriter.FailureCount,
				"in_progress":       status.Rewriter.InProgress,
				"current_size":      status.Writer.CurrentSize,
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(response)
		})

		mux.HandleFunc("/api/persistence/rewrite", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if err := engine.TriggerRewrite(r.Context(), true); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})
	}

	mux.Handle("/api/cache/", logging.HTTPMiddleware(http.HandlerFunc(handleCacheRequest(store, engine, nodeID))))

	handler := logging.CorrelationIDMiddleware(mux)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	logging.Info(ctx, logging.ComponentHTTP, logging.ActionStart, "HTTP API server starting", map[string]interface{}{
		"port":    port,
		"node_id": nodeID,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("HTTP server failed: %v", err)
		} else {
			serverErr <- nil
		}
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// handleCacheRequest serves GET/PUT/DELETE against a single key, applying
// the mutation to the store and, if persistence is enabled, logging it to
// the AOF engine the same way the RESP server's handlers do.
func handleCacheRequest(store *storage.BasicStore, engine *aof.Engine, nodeID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/api/cache/")
		if key == "" {
			http.Error(w, "Key is required", http.StatusBadRequest)
			return
		}

		switch r.Method {
		case http.MethodGet:
			timer := logging.StartTimer(r.Context(), logging.ComponentCache, "get_operation", "Cache GET operation")
			value, err := store.Get(key)
			timer()

			if err != nil {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"error":   "Key not found",
					"key":     key,
					"node":    nodeID,
				})
				return
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"data":    map[string]interface{}{"key": key, "value": value},
				"node":    nodeID,
			})

		case http.MethodPut:
			var requestBody struct {
				Value string `json:"value"`
			}
			if err := json.NewDecoder(r.Body).Decode(&requestBody); err != nil {
				logging.Error(r.Context(), logging.ComponentCache, "put_request", "Failed to decode PUT request body", err, map[string]interface{}{"key": key})
				http.Error(w, "Invalid JSON body", http.StatusBadRequest)
				return
			}

			ttl := time.Hour
			timer := logging.StartTimer(r.Context(), logging.ComponentCache, "set_operation", "Cache SET operation")
			err := store.Set(key, requestBody.Value, "http-api", ttl)
			timer()
			if err != nil {
				http.Error(w, fmt.Sprintf("Failed to set key: %v", err), http.StatusInternalServerError)
				return
			}

			if engine != nil {
				expiresAt := time.Now().Add(ttl)
				argv := []string{"SET", key, requestBody.Value, "PXAT", fmt.Sprintf("%d", expiresAt.UnixMilli())}
				if err := engine.Append(0, argv); err != nil {
					logging.Warn(r.Context(), logging.ComponentPersistence, "journal_append", "failed to log HTTP SET to AOF", map[string]interface{}{"key": key, "error": err.Error()})
				}
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": true,
				"message": "Key set successfully",
				"data":    map[string]interface{}{"key": key, "value": requestBody.Value},
				"node":    nodeID,
			})

		case http.MethodDelete:
			timer := logging.StartTimer(r.Context(), logging.ComponentCache, "delete_operation", "Cache DELETE operation")
			err := store.Delete(key)
			timer()

			if err == nil && engine != nil {
				if appendErr := engine.Append(0, []string{"DEL", key}); appendErr != nil {
					logging.Warn(r.Context(), logging.ComponentPersistence, "journal_append", "failed to log HTTP DEL to AOF", map[string]interface{}{"key": key, "error": appendErr.Error()})
				}
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success": err == nil,
				"key":     key,
				"node":    nodeID,
			})

		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// Package main is the entry point for agent-console.
// The single binary runs the HTTP API, the WebSocket gateway, the PTY worker
// runtime, and the background job pool with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ms2sato/agent-console-sub007/internal/activity"
	"github.com/ms2sato/agent-console-sub007/internal/agents"
	"github.com/ms2sato/agent-console-sub007/internal/api"
	"github.com/ms2sato/agent-console-sub007/internal/buffer"
	"github.com/ms2sato/agent-console-sub007/internal/common/config"
	"github.com/ms2sato/agent-console-sub007/internal/common/httpmw"
	"github.com/ms2sato/agent-console-sub007/internal/common/logger"
	"github.com/ms2sato/agent-console-sub007/internal/db"
	"github.com/ms2sato/agent-console-sub007/internal/events"
	gateways "github.com/ms2sato/agent-console-sub007/internal/gateway/websocket"
	"github.com/ms2sato/agent-console-sub007/internal/metrics"
	"github.com/ms2sato/agent-console-sub007/internal/notify"
	"github.com/ms2sato/agent-console-sub007/internal/pty"
	"github.com/ms2sato/agent-console-sub007/internal/queue"
	"github.com/ms2sato/agent-console-sub007/internal/session"
	"github.com/ms2sato/agent-console-sub007/internal/webhook"
	"github.com/ms2sato/agent-console-sub007/internal/worktree"
	ws "github.com/ms2sato/agent-console-sub007/pkg/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agent-console...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS if configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus

	// 4. Database
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Database ready", zap.String("driver", cfg.Database.Driver))

	// 5. Metrics
	mtr := metrics.New()

	// ============================================
	// OUTPUT BUFFERS
	// ============================================
	buffers, err := buffer.NewStore(buffer.Config{
		Dir:           db.ExpandHome(cfg.Buffer.Dir),
		FlushInterval: cfg.Buffer.FlushIntervalDuration(),
		RotateBytes:   cfg.Buffer.RotateBytes,
		ReadChunkMax:  cfg.Buffer.ReadChunkMax,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize output buffer store", zap.Error(err))
	}
	defer buffers.Close()
	buffers.SetFlushObserver(func(n int) {
		mtr.BufferFlushes.Inc()
		mtr.BufferBytes.Add(float64(n))
	})

	// ============================================
	// AGENT TEMPLATES + WORKER RUNTIME
	// ============================================
	registry, err := agents.LoadRegistry(cfg.Agents.TemplatesPath)
	if err != nil {
		log.Fatal("Failed to load agent templates", zap.Error(err))
	}
	log.Info("Agent templates loaded", zap.Int("count", len(registry.List())))

	workers := session.NewWorkerManager(
		pty.NewOSProvider(),
		buffers,
		registry,
		eventBus,
		activity.Options{
			WindowBytes:     cfg.Activity.WindowBytes,
			IdleTimeout:     cfg.Activity.IdleTimeoutDuration(),
			ActiveWindow:    cfg.Activity.ActiveWindowDuration(),
			ActiveThreshold: cfg.Activity.ActiveThreshold,
			AskingPatterns:  activity.CompilePatterns(cfg.Activity.AskingPatterns),
		},
		cfg.Agents.DefaultShell,
		log,
	)
	workers.SetActiveObserver(func(delta int) {
		mtr.ActiveWorkers.Add(float64(delta))
	})

	// ============================================
	// JOB QUEUE
	// ============================================
	jobStore := queue.NewStore(pool)
	jobQueue := queue.New(jobStore, eventBus, cfg.Queue.MaxAttempts, log)
	jobPool := queue.NewPool(jobQueue, queue.PoolConfig{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollIntervalDuration(),
		BackoffBase:  time.Duration(cfg.Queue.BackoffBase) * time.Second,
		BackoffCap:   time.Duration(cfg.Queue.BackoffCap) * time.Second,
	}, log)
	jobPool.SetResultObserver(func(jobType string, status queue.Status) {
		mtr.JobResults.WithLabelValues(jobType, string(status)).Inc()
	})

	// ============================================
	// SESSIONS + WORKTREES
	// ============================================
	worktrees, err := worktree.NewManager(worktree.Config{
		BasePath: cfg.Worktree.BasePath,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	sessionStore := session.NewStore(pool)
	sessions := session.NewManager(sessionStore, workers, buffers, worktrees, jobQueue, eventBus, log)

	registerCleanupHandlers(jobQueue, worktrees, buffers, cfg.Worktree.CleanupOnRemove, log)

	// Reclaim sessions left over from a previous process.
	if err := sessions.Restore(ctx); err != nil {
		log.Warn("Failed to restore sessions", zap.Error(err))
	}

	// ============================================
	// INBOUND WEBHOOKS
	// ============================================
	ledger := webhook.NewLedger(pool)
	pipeline := webhook.NewPipeline(webhook.NewSessionResolver(sessionStore), ledger, log)
	pipeline.RegisterParser(webhook.NewGitHubParser(cfg.Webhook.GithubSecret))
	pipeline.RegisterHandler(webhook.NewAgentPromptHandler(workers))
	jobQueue.RegisterHandler(webhook.JobType, pipeline.HandleJob)

	jobPool.Start(ctx)
	defer jobPool.Stop()
	log.Info("Job pool started", zap.Int("concurrency", cfg.Queue.Concurrency))

	// ============================================
	// NOTIFICATIONS
	// ============================================
	var notifier *notify.Manager
	if cfg.Notifications.Enabled {
		var providers []notify.Provider
		if len(cfg.Notifications.AppriseURLs) > 0 {
			providers = append(providers, notify.NewAppriseProvider(cfg.Notifications.AppriseURLs))
		}
		if cfg.Notifications.WebhookURL != "" {
			providers = append(providers, notify.NewWebhookProvider(cfg.Notifications.WebhookURL))
		}
		notifier = notify.NewManager(eventBus, providers, notify.AllowList(cfg.Notifications.NotifyOn), log)
		if err := notifier.Start(); err != nil {
			log.Error("Failed to start notification manager", zap.Error(err))
		} else {
			defer notifier.Stop()
			log.Info("Notifications enabled", zap.Int("providers", len(providers)))
		}
	}

	// ============================================
	// WEBSOCKET GATEWAY
	// ============================================
	dispatcher := ws.NewDispatcher()
	hub := gateways.NewHub(dispatcher, eventBus, log)
	hub.SetCountObserver(func(delta int) {
		mtr.WSConnections.Add(float64(delta))
	})
	streamer := gateways.NewStreamer(hub, sessions, buffers, cfg.Buffer.ReadChunkMax, log)
	wsHandler := gateways.NewHandler(hub, streamer, log)
	gateways.RegisterSyncHandlers(dispatcher, sessions, sessionStore, registry)

	go hub.Run(ctx)
	if err := hub.Bridge(); err != nil {
		log.Fatal("Failed to bridge event bus to WebSocket hub", zap.Error(err))
	}
	defer hub.Unbridge()

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "agent-console"))

	router.GET("/ws", wsHandler.HandleConnection)
	api.NewHandlers(sessions, sessionStore, buffers, registry, jobQueue, mtr, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("Shutting down agent-console...", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	// Kill remaining PTYs before the deferred stores close. Hibernation is
	// for idle workers; process exit takes everything down.
	sessions.Shutdown()

	log.Info("agent-console stopped")
}

// registerCleanupHandlers wires the deferred cleanup jobs that session
// deletion enqueues.
func registerCleanupHandlers(
	q *queue.Queue,
	worktrees *worktree.Manager,
	buffers *buffer.Store,
	removeWorktrees bool,
	log *logger.Logger,
) {
	q.RegisterHandler(session.JobWorktreeCleanup, func(ctx context.Context, job *queue.Job) error {
		var payload session.WorktreeCleanupPayload
		if err := job.UnmarshalPayload(&payload); err != nil {
			return queue.Permanent(err)
		}
		if !removeWorktrees {
			log.Debug("Worktree cleanup disabled, keeping directory",
				zap.String("worktree", payload.WorktreePath))
			return nil
		}
		return worktrees.Remove(ctx, payload.RepoPath, payload.WorktreePath, payload.Branch)
	})

	q.RegisterHandler(session.JobBufferCleanup, func(ctx context.Context, job *queue.Job) error {
		var payload session.BufferCleanupPayload
		if err := job.UnmarshalPayload(&payload); err != nil {
			return queue.Permanent(err)
		}
		for _, workerID := range payload.WorkerIDs {
			if err := buffers.Remove(workerID); err != nil {
				return err
			}
		}
		return nil
	})
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

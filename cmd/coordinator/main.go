package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/txfabric/coordinator/internal/config"
	"github.com/txfabric/coordinator/internal/manager"
	"github.com/txfabric/coordinator/internal/metrics"
	"github.com/txfabric/coordinator/internal/participant"
	"github.com/txfabric/coordinator/internal/recovery"
	"github.com/txfabric/coordinator/internal/twopc"
	"github.com/txfabric/coordinator/internal/txlog"
	pkgerrors "github.com/txfabric/coordinator/pkg/errors"
	"github.com/txfabric/coordinator/pkg/health"
	"github.com/txfabric/coordinator/pkg/logger"
	"github.com/txfabric/coordinator/pkg/response"
	"github.com/txfabric/coordinator/pkg/snowflake"
	"github.com/txfabric/coordinator/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting %s...", cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	lg := logger.New(cfg.ServiceName, os.Stdout)

	idGen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.Fatalf("Failed to create ID generator: %v", err)
	}

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Printf("Connected to PostgreSQL")

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Printf("Connected to Redis")

	// Tracing
	if cfg.TracingEnabled {
		shutdown, err := tracing.Init(tracing.Config{
			ServiceName: cfg.ServiceName,
			Endpoint:    cfg.JaegerEndpoint,
			Enabled:     true,
			SampleRate:  cfg.SampleRate,
		})
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer shutdown(context.Background())
	}

	// 事务日志
	store := txlog.NewPostgresStore(db, idGen)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to create transaction log schema: %v", err)
	}

	// 注册资源管理器
	registry := participant.NewRegistry()
	for _, id := range cfg.SQLResources {
		res := participant.NewSQLResource(id, db)
		if err := res.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to create schema for resource %s: %v", id, err)
		}
		if err := registry.Register(res); err != nil {
			log.Fatalf("Failed to register resource %s: %v", id, err)
		}
	}
	for _, id := range cfg.RedisResources {
		if err := registry.Register(participant.NewRedisResource(id, redisClient)); err != nil {
			log.Fatalf("Failed to register resource %s: %v", id, err)
		}
	}
	log.Printf("Registered %d resource managers", len(registry.IDs()))

	m := metrics.NewDefault()
	coord := twopc.NewCoordinator(store, twopc.Config{
		PrepareTimeout:  cfg.PrepareTimeout,
		DeliveryTimeout: cfg.DeliveryTimeout,
		RetryBaseDelay:  cfg.RetryBaseDelay,
		RetryMaxDelay:   cfg.RetryMaxDelay,
		EscalateAfter:   cfg.EscalateAfter,
	}, lg, m)

	// 恢复未决事务, 必须在对外服务之前完成
	rec := recovery.New(store, registry, coord, lg, m)
	recResult, err := rec.Run(ctx)
	if err != nil {
		log.Fatalf("Recovery failed, refusing to serve: %v", err)
	}
	log.Printf("Recovery done: %d committed, %d aborted", recResult.Committed, recResult.Aborted)

	mgr := manager.New(manager.Config{
		TxTimeout:      cfg.TxTimeout,
		CommitAckWait:  cfg.CommitAckWait,
		MaxConcurrent:  cfg.MaxConcurrentTx,
		ReaperInterval: cfg.ReaperInterval,
	}, coord, registry, store, lg, m)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Reaper panic: %v", r)
			}
		}()
		mgr.RunReaper(ctx)
	}()

	// 健康检查
	h := health.New()
	h.Register(&health.DBChecker{DB: db, CheckName: "postgres"})
	h.Register(&health.PingChecker{CheckName: "redis", Ping: func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}})
	h.Register(&health.PingChecker{CheckName: "reaper", Ping: func(ctx context.Context) error {
		ok, age, lastErr := mgr.ReaperMonitor.Healthy(time.Now(), 3*cfg.ReaperInterval)
		if !ok {
			return fmt.Errorf("reaper stalled: last tick %s ago, last error: %q", age, lastErr)
		}
		return nil
	}})
	h.SetReady(true)

	// HTTP 服务
	mux := http.NewServeMux()

	mux.HandleFunc("GET /live", func(w http.ResponseWriter, r *http.Request) {
		health.WriteJSON(w, h.Live())
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		health.WriteJSON(w, h.Ready(r.Context()))
	})
	mux.Handle("GET /metrics", m.Handler())

	mux.HandleFunc("POST /v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		txID, err := mgr.Begin(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.WriteData(w, http.StatusCreated, map[string]string{"txId": txID})
	})

	mux.HandleFunc("POST /v1/transactions/{id}/enlist", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ResourceID string `json:"resourceId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ResourceID == "" {
			response.WriteErrorCode(w, r, pkgerrors.CodeInvalidParam, "resourceId required")
			return
		}
		if err := mgr.Enlist(r.Context(), r.PathValue("id"), req.ResourceID); err != nil {
			writeError(w, r, err)
			return
		}
		response.WriteData(w, http.StatusOK, map[string]string{"status": "enlisted"})
	})

	mux.HandleFunc("POST /v1/transactions/{id}/stage", func(w http.ResponseWriter, r *http.Request) {
		handleStage(w, r, registry)
	})

	mux.HandleFunc("POST /v1/transactions/{id}/commit", func(w http.ResponseWriter, r *http.Request) {
		out, err := mgr.Commit(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.WriteData(w, outcomeStatus(out), out)
	})

	mux.HandleFunc("POST /v1/transactions/{id}/rollback", func(w http.ResponseWriter, r *http.Request) {
		out, err := mgr.Rollback(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.WriteData(w, outcomeStatus(out), out)
	})

	mux.HandleFunc("GET /v1/transactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		snap, err := mgr.Status(r.PathValue("id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.WriteData(w, http.StatusOK, snap)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           tracing.HTTPMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on :%d", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	h.SetReady(false)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	cancel()
	// 等待后台第二阶段投递收尾, 未完成的由下次启动恢复
	coord.Wait()
	log.Println("Shutdown complete")
}

// stager is implemented by resource adapters that accept staged writes.
type stager interface {
	Stage(ctx context.Context, txID, key, value string) error
}

// StageRequest 预写请求
type StageRequest struct {
	ResourceID string `json:"resourceId"`
	Key        string `json:"key"`
	Value      string `json:"value"`
}

func handleStage(w http.ResponseWriter, r *http.Request, registry *participant.Registry) {
	var req StageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ResourceID == "" || req.Key == "" {
		response.WriteErrorCode(w, r, pkgerrors.CodeInvalidParam, "resourceId and key required")
		return
	}

	client, ok := registry.Get(req.ResourceID)
	if !ok {
		writeError(w, r, pkgerrors.ErrResourceNotFound)
		return
	}
	s, ok := client.(stager)
	if !ok {
		response.WriteErrorCode(w, r, pkgerrors.CodeInvalidRequest, "resource does not accept staged writes")
		return
	}

	if err := s.Stage(r.Context(), r.PathValue("id"), req.Key, req.Value); err != nil {
		writeError(w, r, err)
		return
	}
	response.WriteData(w, http.StatusOK, map[string]string{"status": "staged"})
}

func outcomeStatus(out *manager.Outcome) int {
	// Phase 2 still retrying: the decision is final but not yet delivered
	// to every participant.
	if out.State == twopc.StateCommitting || out.State == twopc.StateAborting {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *pkgerrors.Error
	if errors.As(err, &e) {
		response.WriteError(w, r, e)
		return
	}
	response.WriteErrorCode(w, r, pkgerrors.CodeInternal, err.Error())
}

package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

type Response struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

type Health struct {
	checkers []Checker
	ready    atomic.Bool
}

const defaultCheckTimeout = 2 * time.Second

func New() *Health {
	return &Health{}
}

func (h *Health) Register(c Checker) {
	if c == nil {
		return
	}
	h.checkers = append(h.checkers, c)
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Live 存活检查（只检查进程是否响应）
func (h *Health) Live() Response {
	return Response{Status: StatusUp}
}

// Ready 就绪检查（检查所有依赖）
func (h *Health) Ready(ctx context.Context) Response {
	if !h.IsReady() {
		r := Response{Status: StatusDown}
		if len(h.checkers) > 0 {
			r.Dependencies = h.runChecks(ctx)
		}
		return r
	}

	deps := h.runChecks(ctx)
	return Response{
		Status:       summarize(deps),
		Dependencies: deps,
	}
}

func (h *Health) runChecks(ctx context.Context) map[string]CheckResult {
	checkers := append([]Checker(nil), h.checkers...)
	if len(checkers) == 0 {
		return nil
	}

	parent := ctx
	if parent == nil {
		parent = context.Background()
	}

	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(checkers))

	for _, c := range checkers {
		c := c
		go func() {
			defer wg.Done()
			name := c.Name()
			if name == "" {
				name = "unknown"
			}

			start := time.Now()
			depCtx, cancel := context.WithTimeout(parent, defaultCheckTimeout)
			defer cancel()

			resCh := make(chan CheckResult, 1)
			go func() {
				resCh <- c.Check(depCtx)
			}()

			var res CheckResult
			select {
			case res = <-resCh:
			case <-depCtx.Done():
				res = CheckResult{
					Status:  StatusDown,
					Latency: time.Since(start),
					Message: "timeout",
				}
				// 异步消费结果，确保 goroutine 能退出
				go func() { <-resCh }()
			}

			if res.Latency <= 0 {
				res.Latency = time.Since(start)
			}
			if res.Status == "" {
				res.Status = StatusDown
			}

			mu.Lock()
			results[name] = res
			mu.Unlock()
		}()
	}

	wg.Wait()
	return results
}

func summarize(deps map[string]CheckResult) Status {
	if len(deps) == 0 {
		return StatusUp
	}
	status := StatusUp
	for _, res := range deps {
		if res.Status == StatusDown {
			return StatusDown
		}
		if res.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}

// WriteJSON writes a health response with the appropriate HTTP status.
func WriteJSON(w http.ResponseWriter, resp Response) {
	status := http.StatusOK
	if resp.Status == StatusDown {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// DBChecker checks a SQL database with PingContext.
type DBChecker struct {
	DB        *sql.DB
	CheckName string
}

func (c *DBChecker) Name() string {
	if c.CheckName != "" {
		return c.CheckName
	}
	return "postgres"
}

func (c *DBChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if c.DB == nil {
		return CheckResult{Status: StatusDown, Message: "no database handle"}
	}
	if err := c.DB.PingContext(ctx); err != nil {
		return CheckResult{Status: StatusDown, Latency: time.Since(start), Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: time.Since(start)}
}

// PingChecker wraps an arbitrary ping func as a Checker.
type PingChecker struct {
	CheckName string
	Ping      func(ctx context.Context) error
}

func (c *PingChecker) Name() string { return c.CheckName }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if c.Ping == nil {
		return CheckResult{Status: StatusDown, Message: "no ping func"}
	}
	if err := c.Ping(ctx); err != nil {
		return CheckResult{Status: StatusDown, Latency: time.Since(start), Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: time.Since(start)}
}

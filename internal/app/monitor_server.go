package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hedge-core/internal/bridge"
	"hedge-core/internal/dispatch"
	"hedge-core/internal/execution"
	"hedge-core/internal/monitor"
	"hedge-core/internal/syncmgr"
	"hedge-core/internal/trailing"
)

type statusResponse struct {
	Sync      syncmgr.Status            `json:"sync"`
	Dispatch  dispatch.Stats            `json:"dispatch"`
	Trailing  trailing.Stats            `json:"trailing"`
	Bridge    []bridge.ClientStats      `json:"bridge"`
	Halted    bool                      `json:"halted"`
	Reason    string                    `json:"haltReason,omitempty"`
	Active    []string                  `json:"activeRuns"`
	Events    map[monitor.EventType]int `json:"eventsLastHour"`
	Timestamp time.Time                 `json:"timestamp"`
}

func newMonitorMux(o *orchestrator) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				limit = min(v, 1000)
			}
		}

		filter := monitor.Filter{Limit: limit}
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			filter.Type = monitor.EventType(strings.ToLower(typ))
		}
		if since := q.Get("since"); since != "" {
			ts, err := time.Parse(time.RFC3339, since)
			if err != nil {
				http.Error(w, "since 需为 RFC3339 时间", http.StatusBadRequest)
				return
			}
			filter.Since = ts
		}

		events, err := o.monitor.Query(r.Context(), filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, o.logger, http.StatusOK, events)
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		halted, reason := o.engine.Halted()
		counts, err := o.monitor.Counts(r.Context(), time.Now().Add(-time.Hour))
		if err != nil {
			o.logger.Warn("统计监控事件失败", zap.Error(err))
		}
		writeJSON(w, o.logger, http.StatusOK, statusResponse{
			Sync:      o.sync.Status(),
			Dispatch:  o.dispatcher.Stats(),
			Trailing:  o.trailing.Stats(),
			Bridge:    o.bridge.Clients(),
			Halted:    halted,
			Reason:    reason,
			Active:    o.engine.ActiveRuns(),
			Events:    counts,
			Timestamp: time.Now().UTC(),
		})
	})

	mux.HandleFunc("GET /trails", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, o.logger, http.StatusOK, o.trailing.Snapshot())
	})

	mux.HandleFunc("GET /runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		report, err := o.engine.Report(r.PathValue("id"))
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, execution.ErrRunNotFound) {
				code = http.StatusNotFound
			}
			http.Error(w, err.Error(), code)
			return
		}
		writeJSON(w, o.logger, http.StatusOK, report)
	})

	mux.HandleFunc("POST /emergency-stop", func(w http.ResponseWriter, r *http.Request) {
		reason := strings.TrimSpace(r.URL.Query().Get("reason"))
		if reason == "" {
			reason = "manual"
		}
		stopped := o.engine.EmergencyStop(r.Context(), reason)
		writeJSON(w, o.logger, http.StatusOK, map[string]any{"reason": reason, "stoppedRuns": stopped})
	})

	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, r *http.Request) {
		o.engine.Reset()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.Handle("GET /metrics", o.metrics.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

// runMonitorServer 阻塞运行监控接口，ctx 结束时优雅关闭；端口为 0 时不启动。
func runMonitorServer(ctx context.Context, o *orchestrator, port int) error {
	if port == 0 {
		return nil
	}
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: newMonitorMux(o), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		o.logger.Info("监控接口已启动", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("监控服务异常: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("关闭监控服务失败", zap.Error(err))
	}
	return nil
}

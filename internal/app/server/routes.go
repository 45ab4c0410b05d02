package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"ipguard/internal/anomaly"
	"ipguard/internal/auth"
	"ipguard/internal/blocklist"
	"ipguard/internal/jobs/maintenance"
	"ipguard/internal/pipeline"
)

const shutdownTimeout = 10 * time.Second

// RecordCounter reports the number of stored request records.
type RecordCounter interface {
	CountRequestRecords(ctx context.Context) (int64, error)
}

type Dependencies struct {
	Pipeline  *pipeline.Runner
	Blocklist *blocklist.Service
	Feeds     *blocklist.FeedImporter
	Detector  *anomaly.Detector
	Purger    *maintenance.Purger
	Records   RecordCounter
	Redis     *redis.Client

	// AdminLimiter throttles admin mutations. A default bucket is used when
	// nil.
	AdminLimiter *rate.Limiter
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStatus(w http.ResponseWriter, status int, state, message string) {
	writeJSON(w, status, map[string]string{"status": state, "message": message})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// limitMutations rejects admin writes once the token bucket is empty.
func limitMutations(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeError(w, "Too many admin requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the route table. The admission pipeline is outermost, so
// a blocked client is refused on every method, CORS preflights included.
func NewRouter(deps Dependencies) http.Handler {
	if deps.AdminLimiter == nil {
		deps.AdminLimiter = rate.NewLimiter(rate.Limit(5), 10)
	}
	admin := adminHandlers{deps: deps}

	adminRead := func(h http.HandlerFunc) http.Handler {
		return auth.IsAdmin(h)
	}
	adminWrite := func(h http.HandlerFunc) http.Handler {
		return auth.IsAdmin(limitMutations(deps.AdminLimiter, h))
	}

	router := http.NewServeMux()
	router.HandleFunc("GET /login", describeLogin)
	router.HandleFunc("POST /login", loginAdmin)
	router.HandleFunc("GET /api", apiEndpoint)
	router.HandleFunc("POST /api", apiEndpoint)

	router.Handle("GET /admin/blocks", adminRead(admin.listBlocks))
	router.Handle("POST /admin/blocks", adminWrite(admin.blockIP))
	router.Handle("DELETE /admin/blocks/{ip}", adminWrite(admin.unblockIP))
	router.Handle("GET /admin/suspicious", adminRead(admin.listSuspicious))
	router.Handle("POST /admin/suspicious/{ip}/deactivate", adminWrite(admin.deactivateSuspicious))
	router.Handle("POST /admin/sweeps/anomaly", adminWrite(admin.runAnomalySweep))
	router.Handle("POST /admin/sweeps/retention", adminWrite(admin.runRetentionSweep))
	router.Handle("POST /admin/feeds/refresh", adminWrite(admin.refreshFeeds))
	router.Handle("GET /admin/settings", adminRead(getSettings))
	router.Handle("POST /admin/settings", adminWrite(saveSettings))
	router.Handle("GET /admin/status", adminRead(admin.status))

	router.HandleFunc("GET /healthz", healthz)
	router.HandleFunc("GET /version", getVersion)
	router.Handle("GET /metrics", metricsHandler())

	handler := enableCORS(router)
	if deps.Pipeline != nil {
		handler = deps.Pipeline.Wrap(handler)
	}
	return handler
}

// OpenRoutes serves until ctx is done, then shuts the server down gracefully.
func OpenRoutes(ctx context.Context, port int, deps Dependencies) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("api server shutdown failed", "error", err)
		}
	}()

	log.Debug("Routes opened")
	log.Infof("Starting ipguard on port :%d", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

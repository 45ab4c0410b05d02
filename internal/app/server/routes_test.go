package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"gorm.io/driver/sqlite"

	"ipguard/internal/admission"
	"ipguard/internal/app/bootstrap"
	"ipguard/internal/auth"
	"ipguard/internal/config"
	"ipguard/internal/database"
	"ipguard/internal/support"
)

func newTestServer(t *testing.T) (http.Handler, *bootstrap.Components) {
	t.Helper()

	t.Setenv("IPGUARD_SETTINGS_FILE", filepath.Join(t.TempDir(), "settings.json"))
	t.Setenv("DB_MAX_OPEN_CONNS", "1")
	t.Setenv("REQUEST_LOG_WORKERS", "1")

	mr := miniredis.RunT(t)
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	_ = support.CloseRedisClient()
	t.Cleanup(func() { _ = support.CloseRedisClient() })

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := database.SetupDB(database.WithDialector(sqlite.Open(dsn)))
	if err != nil {
		t.Fatalf("SetupDB returned error: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		database.DB = nil
	})

	components, err := bootstrap.Build(context.Background(), nil)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	t.Cleanup(components.Close)

	handler := NewRouter(Dependencies{
		Pipeline:  components.Pipeline,
		Blocklist: components.Blocklist,
		Feeds:     components.Feeds,
		Detector:  components.Detector,
		Purger:    components.Purger,
		Records:   components.Store,
	})
	return handler, components
}

func adminToken(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateJWT("admin", auth.RoleAdmin)
	if err != nil {
		t.Fatalf("GenerateJWT returned error: %v", err)
	}
	return token
}

func serve(handler http.Handler, method, target, remote, token string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = remote
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAPIEndpointThrottlesAnonymousPosts(t *testing.T) {
	handler, _ := newTestServer(t)

	for i := 0; i < 5; i++ {
		rec := serve(handler, http.MethodPost, "/api", "203.0.113.7:4000", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}

	rec := serve(handler, http.MethodPost, "/api", "203.0.113.7:4000", "", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if payload["status"] != "error" || payload["message"] != "Rate limit exceeded. Please try again later." {
		t.Fatalf("unexpected 429 payload %v", payload)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 response without Retry-After header")
	}

	if rec := serve(handler, http.MethodGet, "/api", "203.0.113.7:4000", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("GET /api status = %d, want 200 since only POST is metered", rec.Code)
	}
	if rec := serve(handler, http.MethodPost, "/api", "203.0.113.8:4000", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("other client status = %d, want 200", rec.Code)
	}
}

func TestAuthenticatedCallerGetsOwnBudget(t *testing.T) {
	handler, _ := newTestServer(t)
	token := adminToken(t)

	for i := 0; i < 20; i++ {
		rec := serve(handler, http.MethodPost, "/api", "203.0.113.9:4000", token, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, rec.Code)
		}
	}
	if rec := serve(handler, http.MethodPost, "/api", "203.0.113.9:4000", token, ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 after the authenticated budget", rec.Code)
	}
	if rec := serve(handler, http.MethodPost, "/api", "203.0.113.9:4000", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("anonymous status = %d, want 200 since it is metered under the ip key", rec.Code)
	}
}

func TestBlockedIPIsRejectedAndNotLogged(t *testing.T) {
	handler, components := newTestServer(t)
	token := adminToken(t)

	rec := serve(handler, http.MethodPost, "/admin/blocks", "192.0.2.10:5000", token, `{"ip":"198.51.100.9","reason":"scanner"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("block status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	rec = serve(handler, http.MethodGet, "/api", "198.51.100.9:6000", "", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("blocked status = %d, want 403", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != admission.BlockedMessage {
		t.Fatalf("blocked body = %q, want %q", got, admission.BlockedMessage)
	}

	components.Close()

	var count int64
	if err := database.DB.Table("request_records").Where("ip = ?", "198.51.100.9").Count(&count).Error; err != nil {
		t.Fatalf("count records: %v", err)
	}
	if count != 0 {
		t.Fatalf("blocked requests logged %d times, want 0", count)
	}
	if err := database.DB.Table("request_records").Where("ip = ?", "192.0.2.10").Count(&count).Error; err != nil {
		t.Fatalf("count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("admin request logged %d times, want 1", count)
	}
}

func TestUnblockRestoresAccess(t *testing.T) {
	handler, _ := newTestServer(t)
	token := adminToken(t)

	serve(handler, http.MethodPost, "/admin/blocks", "192.0.2.10:5000", token, `{"ip":"198.51.100.20"}`)
	if rec := serve(handler, http.MethodDelete, "/admin/blocks/198.51.100.20", "192.0.2.10:5000", token, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("unblock status = %d, want 204", rec.Code)
	}
	if rec := serve(handler, http.MethodGet, "/api", "198.51.100.20:6000", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("status after unblock = %d, want 200", rec.Code)
	}
}

func TestAdminErrorMapping(t *testing.T) {
	handler, _ := newTestServer(t)
	token := adminToken(t)

	tests := []struct {
		name   string
		method string
		target string
		token  string
		body   string
		want   int
	}{
		{name: "no token", method: http.MethodGet, target: "/admin/blocks", want: http.StatusUnauthorized},
		{name: "invalid ip", method: http.MethodDelete, target: "/admin/blocks/not-an-ip", token: token, want: http.StatusBadRequest},
		{name: "unknown block", method: http.MethodDelete, target: "/admin/blocks/198.51.100.77", token: token, want: http.StatusNotFound},
		{name: "unknown suspicious", method: http.MethodPost, target: "/admin/suspicious/198.51.100.77/deactivate", token: token, want: http.StatusNotFound},
		{name: "bad body", method: http.MethodPost, target: "/admin/blocks", token: token, body: "{", want: http.StatusBadRequest},
		{name: "bad active filter", method: http.MethodGet, target: "/admin/suspicious?active=maybe", token: token, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(handler, tt.method, tt.target, "192.0.2.30:5000", tt.token, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestLoginIssuesAdminToken(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "root")
	t.Setenv("ADMIN_PASSWORD", "s3cret")
	handler, _ := newTestServer(t)

	post := func(remote string, form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := post("203.0.113.40:1", url.Values{"username": {"root"}}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing password status = %d, want 400", rec.Code)
	}
	if rec := post("203.0.113.41:1", url.Values{"username": {"root"}, "password": {"nope"}}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d, want 401", rec.Code)
	}

	rec := post("203.0.113.42:1", url.Values{"username": {"root"}, "password": {"s3cret"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200", rec.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	if _, err := auth.ValidateJWT(payload["token"]); err != nil {
		t.Fatalf("issued token invalid: %v", err)
	}

	if rec := serve(handler, http.MethodGet, "/admin/blocks", "203.0.113.42:1", payload["token"], ""); rec.Code != http.StatusOK {
		t.Fatalf("admin route with issued token status = %d, want 200", rec.Code)
	}
}

func TestLoginAcceptsPasswordHash(t *testing.T) {
	hash, err := auth.HashPassword("hashed-secret")
	if err != nil {
		t.Fatalf("HashPassword returned error: %v", err)
	}
	t.Setenv("ADMIN_USERNAME", "root")
	t.Setenv("ADMIN_PASSWORD_HASH", hash)
	handler, _ := newTestServer(t)

	rec := serve(handler, http.MethodPost, "/login", "203.0.113.45:1", "", `{"username":"root","password":"hashed-secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	rec = serve(handler, http.MethodPost, "/login", "203.0.113.46:1", "", `{"username":"root","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("login status = %d, want 401", rec.Code)
	}
}

func TestLoginIsRateLimited(t *testing.T) {
	handler, _ := newTestServer(t)

	for i := 0; i < 5; i++ {
		serve(handler, http.MethodPost, "/login", "203.0.113.50:1", "", `{"username":"x","password":"y"}`)
	}
	if rec := serve(handler, http.MethodPost, "/login", "203.0.113.50:1", "", `{"username":"x","password":"y"}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestManualSweeps(t *testing.T) {
	handler, _ := newTestServer(t)
	token := adminToken(t)

	rec := serve(handler, http.MethodPost, "/admin/sweeps/anomaly", "192.0.2.60:1", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("anomaly sweep status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var anomalyPayload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&anomalyPayload); err != nil {
		t.Fatalf("decode anomaly body: %v", err)
	}
	if msg, _ := anomalyPayload["message"].(string); !strings.HasPrefix(msg, "Anomaly detection completed.") {
		t.Fatalf("unexpected anomaly message %q", msg)
	}

	rec = serve(handler, http.MethodPost, "/admin/sweeps/retention", "192.0.2.60:1", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("retention sweep status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var retentionPayload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&retentionPayload); err != nil {
		t.Fatalf("decode retention body: %v", err)
	}
	if retentionPayload["deleted"] != float64(0) {
		t.Fatalf("deleted = %v, want 0", retentionPayload["deleted"])
	}
}

func TestManualFeedRefresh(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("203.0.113.120\n"))
	}))
	defer feed.Close()

	handler, _ := newTestServer(t)
	token := adminToken(t)

	cfg := config.GetConfig()
	previous := cfg.BlocklistFeeds.Sources
	cfg.BlocklistFeeds.Sources = []string{feed.URL}
	if err := config.SetConfig(cfg); err != nil {
		t.Fatalf("SetConfig returned error: %v", err)
	}
	t.Cleanup(func() {
		cfg.BlocklistFeeds.Sources = previous
		_ = config.SetConfig(cfg)
	})

	rec := serve(handler, http.MethodPost, "/admin/feeds/refresh", "192.0.2.65:1", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("feed refresh status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec := serve(handler, http.MethodGet, "/api", "203.0.113.120:1", "", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("imported address status = %d, want 403", rec.Code)
	}
}

func TestAdminMutationsAreThrottled(t *testing.T) {
	handler, _ := newTestServer(t)
	token := adminToken(t)

	var throttled bool
	for i := 0; i < 30; i++ {
		rec := serve(handler, http.MethodDelete, "/admin/blocks/198.51.100.99", "192.0.2.70:1", token, "")
		if rec.Code == http.StatusTooManyRequests {
			throttled = true
			break
		}
	}
	if !throttled {
		t.Fatal("admin mutations never throttled")
	}
}

func TestHealthAndMetrics(t *testing.T) {
	handler, _ := newTestServer(t)

	if rec := serve(handler, http.MethodGet, "/healthz", "192.0.2.80:1", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}

	serve(handler, http.MethodGet, "/api", "192.0.2.80:1", "", "")
	rec := serve(handler, http.MethodGet, "/metrics", "192.0.2.80:1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ipguard_admission_decisions_total") {
		t.Fatal("metrics output misses admission decisions")
	}
}

func TestCORSPreflight(t *testing.T) {
	handler, _ := newTestServer(t)

	rec := serve(handler, http.MethodOptions, "/api", "192.0.2.90:1", "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestBlockedIPIsRefusedOnPreflight(t *testing.T) {
	handler, _ := newTestServer(t)
	token := adminToken(t)

	rec := serve(handler, http.MethodPost, "/admin/blocks", "192.0.2.10:5000", token, `{"ip":"198.51.100.91"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("block status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	rec = serve(handler, http.MethodOptions, "/api", "198.51.100.91:1", "", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("preflight status = %d, want 403", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != admission.BlockedMessage {
		t.Fatalf("preflight body = %q, want %q", got, admission.BlockedMessage)
	}
}

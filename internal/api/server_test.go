package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instagram-autoposter/internal/blob"
	"github.com/instagram-autoposter/internal/metrics"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/storage"
	"github.com/instagram-autoposter/internal/storage/sqlite"
	"github.com/instagram-autoposter/pkg/logger"
)

type stubAlerts struct {
	alerts []models.Alert
	err    error
}

func (s stubAlerts) Scan(ctx context.Context) ([]models.Alert, error) { return s.alerts, s.err }

type stubPool struct{}

func (stubPool) Stats() (int, int, int) { return 1, 2, 3 }

type stubLeader bool

func (l stubLeader) Held() bool { return bool(l) }

var scheduledAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, alerts AlertScanner) (*Server, *sqlite.Repository, blob.Store) {
	t.Helper()
	repo, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	slots, err := models.ParseSlots([]string{"09:00"})
	require.NoError(t, err)
	require.NoError(t, repo.SaveAccount(ctx, &models.Account{
		ID:              "acc1",
		PlatformUserID:  "ig-1",
		Timezone:        "UTC",
		IsActive:        true,
		Slots:           slots,
		CategoryWeights: models.Weights{models.CategoryPortrait: 1},
		AccessToken:     "secret-token",
	}))

	_, claimed, err := repo.TryClaim(ctx, storage.ClaimRequest{
		Key:          "key-1",
		AccountID:    "acc1",
		Category:     models.CategoryPortrait,
		SlotDate:     "2026-03-01",
		Slot:         "09:00",
		ScheduledFor: scheduledAt,
		MaxAttempts:  3,
	})
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, repo.AppendAttempt(ctx, &models.JobAttempt{
		ID:             "att-1",
		IdempotencyKey: "key-1",
		Attempt:        1,
		StartedAt:      scheduledAt,
		Outcome:        models.JobStateFailed,
		Error:          "boom",
	}))

	store, err := blob.NewLocal(t.TempDir(), "http://localhost/media", logger.Nop())
	require.NoError(t, err)

	srv := NewServer(Options{
		Repo:    repo,
		Alerts:  alerts,
		Media:   store,
		Pool:    stubPool{},
		Leader:  stubLeader(true),
		Metrics: metrics.New(prometheus.NewRegistry()),
	}, logger.Nop())
	return srv, repo, store
}

func get(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec, body := get(t, srv, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["running"])
	assert.Equal(t, float64(2), body["queued"])
	assert.Equal(t, float64(3), body["retrying"])
	assert.Equal(t, true, body["leader"])
}

func TestAccounts(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec, body := get(t, srv, "/api/accounts")
	require.Equal(t, http.StatusOK, rec.Code)
	accounts := body["accounts"].([]interface{})
	require.Len(t, accounts, 1)
	assert.Equal(t, "acc1", accounts[0].(map[string]interface{})["id"])
	assert.NotContains(t, rec.Body.String(), "secret-token")

	rec, _ = get(t, srv, "/api/accounts/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountHistory(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec, body := get(t, srv, "/api/accounts/acc1/history?from=2026-03-01&to=2026-03-02")
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := body["jobs"].([]interface{})
	require.Len(t, jobs, 1)
	assert.Equal(t, "key-1", jobs[0].(map[string]interface{})["idempotency_key"])

	rec, body = get(t, srv, "/api/accounts/acc1/history?from=2026-03-02&to=2026-03-03")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["jobs"])

	rec, _ = get(t, srv, "/api/accounts/acc1/history?from=yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = get(t, srv, "/api/accounts/acc1/history?from=2026-03-02&to=2026-03-01")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = get(t, srv, "/api/accounts/nope/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobsAndAttempts(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec, body := get(t, srv, "/api/jobs?state=running&account=acc1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["jobs"], 1)

	rec, body = get(t, srv, "/api/jobs?state=succeeded")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["jobs"])

	rec, _ = get(t, srv, "/api/jobs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = get(t, srv, "/api/jobs/key-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", body["state"])

	rec, body = get(t, srv, "/api/jobs/key-1/attempts")
	require.Equal(t, http.StatusOK, rec.Code)
	attempts := body["attempts"].([]interface{})
	require.Len(t, attempts, 1)
	assert.Equal(t, "boom", attempts[0].(map[string]interface{})["error"])

	rec, _ = get(t, srv, "/api/jobs/missing/attempts")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlerts(t *testing.T) {
	srv, _, _ := newTestServer(t, stubAlerts{alerts: []models.Alert{{
		AccountID: "acc1",
		Kind:      models.AlertConsecutiveFailures,
		Message:   "3 consecutive failed posts",
		Count:     3,
	}}})
	rec, body := get(t, srv, "/api/alerts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["alerts"], 1)

	srv, _, _ = newTestServer(t, stubAlerts{err: errors.New("db down")})
	rec, _ = get(t, srv, "/api/alerts")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	srv, _, _ = newTestServer(t, nil)
	rec, body = get(t, srv, "/api/alerts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["alerts"])
}

func TestMediaServesStoredArtifacts(t *testing.T) {
	srv, _, store := newTestServer(t, nil)

	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
	url, err := store.Put(context.Background(), "artifacts/acc1/img.png", png, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/media/artifacts/acc1/img.png", url)

	rec, _ := get(t, srv, "/media/artifacts/acc1/img.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, png, rec.Body.Bytes())

	rec, _ = get(t, srv, "/media/artifacts/acc1/missing.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	_, _ = get(t, srv, "/health")
	rec, _ := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `endpoint="/health"`)
}

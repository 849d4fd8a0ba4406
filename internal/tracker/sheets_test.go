package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/pkg/logger"
)

type fakeSheets struct {
	mu       sync.Mutex
	sheets   []string
	headers  bool
	appended [][]interface{}
	requests []string
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/spreadsheets/sheet-1"):
		var props []map[string]interface{}
		for _, title := range f.sheets {
			props = append(props, map[string]interface{}{"properties": map[string]interface{}{"title": title}})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"spreadsheetId": "sheet-1", "sheets": props})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":batchUpdate"):
		f.sheets = append(f.sheets, "Jobs")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"spreadsheetId": "sheet-1"})
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/values/"):
		resp := map[string]interface{}{"range": "Jobs!A1:M1"}
		if f.headers {
			resp["values"] = [][]string{{"Job Key"}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/values/"):
		f.headers = true
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"updatedRows": 1})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":append"):
		var body struct {
			Values [][]interface{} `json:"values"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.appended = append(f.appended, body.Values...)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"spreadsheetId": "sheet-1"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestTracker(t *testing.T, fake *fakeSheets) *SheetsTracker {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	tr, err := NewSheetsTracker(context.Background(), config.TrackerConfig{
		Enabled:       true,
		SpreadsheetID: "sheet-1",
		SheetName:     "Jobs",
	}, logger.Nop(), option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication())
	require.NoError(t, err)
	return tr
}

func TestNewSheetsTrackerDisabled(t *testing.T) {
	tr, err := NewSheetsTracker(context.Background(), config.TrackerConfig{}, logger.Nop())
	require.NoError(t, err)
	assert.Nil(t, tr)

	_, err = NewSheetsTracker(context.Background(), config.TrackerConfig{Enabled: true, SpreadsheetID: "x"}, logger.Nop())
	require.Error(t, err)
}

func TestInitializeSheetCreatesSheetAndHeaders(t *testing.T) {
	fake := &fakeSheets{}
	tr := newTestTracker(t, fake)

	require.NoError(t, tr.InitializeSheet(context.Background()))
	assert.Equal(t, []string{"Jobs"}, fake.sheets)
	assert.True(t, fake.headers)

	// a second run changes nothing
	n := len(fake.requests)
	require.NoError(t, tr.InitializeSheet(context.Background()))
	for _, req := range fake.requests[n:] {
		assert.False(t, strings.HasPrefix(req, http.MethodPut), req)
		assert.False(t, strings.HasSuffix(req, ":batchUpdate"), req)
	}
}

func TestRecordOutcomeAppendsRow(t *testing.T) {
	fake := &fakeSheets{sheets: []string{"Jobs"}, headers: true}
	tr := newTestTracker(t, fake)

	done := time.Date(2026, 3, 1, 9, 2, 0, 0, time.UTC)
	require.NoError(t, tr.RecordOutcome(context.Background(), &models.PublishJob{
		IdempotencyKey: "k1",
		AccountID:      "acc1",
		Category:       models.CategoryPortrait,
		SlotDate:       "2026-03-01",
		Slot:           "09:00",
		ScheduledFor:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		State:          models.JobStateSucceeded,
		Attempts:       1,
		ExternalPostID: "media-1",
		TerminalAt:     &done,
	}))

	require.Len(t, fake.appended, 1)
	row := fake.appended[0]
	require.Len(t, row, len(SheetColumns))
	assert.Equal(t, "k1", row[0])
	assert.Equal(t, "succeeded", row[6])
	assert.Equal(t, "media-1", row[8])
	assert.Equal(t, "2026-03-01T09:02:00Z", row[12])
}

func TestColumnLetter(t *testing.T) {
	assert.Equal(t, "A", columnLetter(1))
	assert.Equal(t, "M", columnLetter(13))
	assert.Equal(t, "Z", columnLetter(26))
	assert.Equal(t, "AA", columnLetter(27))
}

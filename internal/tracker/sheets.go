package tracker

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/pkg/logger"
)

// SheetColumns defines the column headers for the job outcome sheet
var SheetColumns = []string{
	"Job Key",
	"Account",
	"Category",
	"Slot Date",
	"Slot",
	"Scheduled For",
	"State",
	"Attempts",
	"Instagram Media ID",
	"Artifact",
	"Reason",
	"Error",
	"Finished At",
}

// SheetsTracker mirrors terminal job outcomes into a Google Sheet
type SheetsTracker struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	log           *logger.Logger
}

// NewSheetsTracker creates a tracker. It returns nil when tracking is disabled.
func NewSheetsTracker(ctx context.Context, cfg config.TrackerConfig, log *logger.Logger, opts ...option.ClientOption) (*SheetsTracker, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("tracker.spreadsheet_id is required")
	}

	switch {
	case len(opts) > 0:
	case cfg.ServiceAccountJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	default:
		return nil, fmt.Errorf("no Google credentials provided: set credentials_file or service_account_json")
	}

	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	sheetName := cfg.SheetName
	if sheetName == "" {
		sheetName = "Jobs"
	}

	return &SheetsTracker{
		service:       srv,
		spreadsheetID: cfg.SpreadsheetID,
		sheetName:     sheetName,
		log:           log.WithComponent("sheets-tracker"),
	}, nil
}

// InitializeSheet creates the sheet and headers if they don't exist
func (t *SheetsTracker) InitializeSheet(ctx context.Context) error {
	if err := t.ensureSheetExists(ctx); err != nil {
		return err
	}

	resp, err := t.service.Spreadsheets.Values.Get(t.spreadsheetID, t.headerRange()).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read sheet: %w", err)
	}
	if len(resp.Values) > 0 {
		t.log.Debug().Msg("Sheet already has headers")
		return nil
	}

	t.log.Info().Msg("Initializing sheet with headers")
	header := make([]interface{}, len(SheetColumns))
	for i, col := range SheetColumns {
		header[i] = col
	}
	_, err = t.service.Spreadsheets.Values.Update(t.spreadsheetID, t.headerRange(), &sheets.ValueRange{
		Values: [][]interface{}{header},
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	return nil
}

func (t *SheetsTracker) ensureSheetExists(ctx context.Context) error {
	spreadsheet, err := t.service.Spreadsheets.Get(t.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to get spreadsheet: %w", err)
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == t.sheetName {
			return nil
		}
	}

	t.log.Info().Str("sheet", t.sheetName).Msg("Creating new sheet")
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{
				Properties: &sheets.SheetProperties{Title: t.sheetName},
			},
		}},
	}
	if _, err := t.service.Spreadsheets.BatchUpdate(t.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	return nil
}

// RecordOutcome appends one row for a job that reached a terminal state
func (t *SheetsTracker) RecordOutcome(ctx context.Context, job *models.PublishJob) error {
	_, err := t.service.Spreadsheets.Values.Append(t.spreadsheetID, t.dataRange(), &sheets.ValueRange{
		Values: [][]interface{}{Row(job)},
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to append outcome for %s: %w", job.IdempotencyKey, err)
	}
	t.log.Debug().Str("job_key", job.IdempotencyKey).Str("state", string(job.State)).Msg("Outcome recorded in sheet")
	return nil
}

// Row renders a job as a sheet row in SheetColumns order
func Row(job *models.PublishJob) []interface{} {
	finished := ""
	if job.TerminalAt != nil {
		finished = job.TerminalAt.UTC().Format(time.RFC3339)
	}
	return []interface{}{
		job.IdempotencyKey,
		job.AccountID,
		string(job.Category),
		job.SlotDate,
		job.Slot,
		job.ScheduledFor.UTC().Format(time.RFC3339),
		string(job.State),
		job.Attempts,
		job.ExternalPostID,
		job.ArtifactRef,
		job.Reason,
		truncate(job.LastError, 500),
		finished,
	}
}

func (t *SheetsTracker) headerRange() string {
	return fmt.Sprintf("%s!A1:%s1", t.sheetName, columnLetter(len(SheetColumns)))
}

func (t *SheetsTracker) dataRange() string {
	return fmt.Sprintf("%s!A:%s", t.sheetName, columnLetter(len(SheetColumns)))
}

// columnLetter converts a 1-based column number to its A1 letter
func columnLetter(n int) string {
	s := ""
	for n > 0 {
		n--
		s = string(rune('A'+n%26)) + s
		n /= 26
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Package sheets appends and reads the important-message log kept in a
// per-session Google spreadsheet (columns A:E = timestamp, correspondent,
// message, reason, session id).
package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/quailyquaily/wamux/internal/retryutil"
)

const (
	logRange    = "Sheet1!A:E"
	appendDelay = 2 * time.Second
)

type Entry struct {
	Timestamp     time.Time
	Correspondent string
	Message       string
	Reason        string
	SessionID     string
}

type Client struct {
	svc           *sheetsapi.Service
	spreadsheetID string
	logger        *slog.Logger
}

// New builds a client for one spreadsheet using a service-account
// credentials file.
func New(ctx context.Context, credentialsPath, spreadsheetID string, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(credentialsPath) == "" {
		return nil, fmt.Errorf("sheets: credentials path is required")
	}
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, fmt.Errorf("sheets: spreadsheet id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	svc, err := sheetsapi.NewService(ctx,
		option.WithCredentialsFile(credentialsPath),
		option.WithScopes(sheetsapi.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("sheets: init service: %w", err)
	}
	return &Client{svc: svc, spreadsheetID: spreadsheetID, logger: logger}, nil
}

// Append writes one row. A failure is retried exactly once after a fixed
// delay; the second failure is returned to the caller.
func (c *Client) Append(ctx context.Context, e Entry) error {
	reason := e.Reason
	if reason == "" {
		reason = "N/A"
	}
	sessionID := e.SessionID
	if sessionID == "" {
		sessionID = "N/A"
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	row := []any{ts.UTC().Format(time.RFC3339), e.Correspondent, e.Message, reason, sessionID}

	err := retryutil.Do(ctx, retryutil.Options{
		Name:     "sheets_append",
		Attempts: 2,
		Delay:    appendDelay,
		Logger:   c.logger,
	}, func(ctx context.Context) error {
		_, err := c.svc.Spreadsheets.Values.
			Append(c.spreadsheetID, logRange, &sheetsapi.ValueRange{Values: [][]any{row}}).
			ValueInputOption("USER_ENTERED").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("sheets append: %w", err)
	}
	c.logger.Info("sheets_logged",
		"correspondent", e.Correspondent,
		"reason", reason,
		"session_id", sessionID,
		"spreadsheet_id", c.spreadsheetID,
	)
	return nil
}

// Read returns the most recent row for the correspondent (and session id
// when set). A single attempt is made; failures are reported as "nothing
// found" rather than as errors.
func (c *Client) Read(ctx context.Context, correspondent, sessionID string) (Entry, bool) {
	resp, err := c.svc.Spreadsheets.Values.
		Get(c.spreadsheetID, logRange).
		Context(ctx).
		Do()
	if err != nil {
		c.logger.Warn("sheets_read_error", "spreadsheet_id", c.spreadsheetID, "error", err.Error())
		return Entry{}, false
	}

	for i := len(resp.Values) - 1; i >= 0; i-- {
		row := resp.Values[i]
		if cell(row, 1) != correspondent {
			continue
		}
		if sessionID != "" && cell(row, 4) != sessionID {
			continue
		}
		entry := Entry{
			Correspondent: correspondent,
			Message:       cell(row, 2),
			Reason:        cell(row, 3),
			SessionID:     cell(row, 4),
		}
		if ts, err := time.Parse(time.RFC3339, cell(row, 0)); err == nil {
			entry.Timestamp = ts
		}
		return entry, true
	}
	return Entry{}, false
}

func cell(row []any, i int) string {
	if i >= len(row) {
		return ""
	}
	s, _ := row[i].(string)
	return s
}

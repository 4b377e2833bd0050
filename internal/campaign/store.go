// Package campaign schedules recurring template sends to recipient lists.
// Campaign definitions and run history live in a SQLite database; the
// scheduler fires due campaigns and reserves one run per minute so a
// duplicate tick or a second process never double-sends.
package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound reports an id with no campaign behind it.
var ErrNotFound = errors.New("campaign not found")

// Campaign is one recurring send: a template, its parameters, the
// recipients, and a cron schedule.
type Campaign struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Template   string    `json:"template"`
	Params     []string  `json:"params,omitempty"`
	Recipients []string  `json:"recipients"`
	Schedule   string    `json:"schedule"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// Run records one firing of a campaign.
type Run struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	FiredAt    time.Time  `json:"fired_at"`
	Delivered  int        `json:"delivered"`
	Failed     int        `json:"failed"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	template   TEXT NOT NULL,
	params     TEXT NOT NULL,
	recipients TEXT NOT NULL,
	schedule   TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS campaign_runs (
	id          TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL,
	fired_at    TEXT NOT NULL,
	delivered   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_campaign ON campaign_runs(campaign_id, fired_at);
`

// Store persists campaigns and their run history.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenStore opens (or creates) the campaign database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create campaign db directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open campaign db: %w", err)
	}
	// modernc.org/sqlite allows one writer; a single connection avoids
	// SQLITE_BUSY between the scheduler and the CLI.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create campaign schema: %w", err)
	}
	return &Store{db: db, log: slog.Default().With("component", "campaigns")}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a campaign, assigning an id when none is given.
func (s *Store) Add(ctx context.Context, c Campaign) (Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(c.Params)
	if err != nil {
		return Campaign{}, fmt.Errorf("encode params: %w", err)
	}
	recipients, err := json.Marshal(c.Recipients)
	if err != nil {
		return Campaign{}, fmt.Errorf("encode recipients: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, template, params, recipients, schedule, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Template, string(params), string(recipients),
		c.Schedule, boolToInt(c.Enabled), c.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return Campaign{}, fmt.Errorf("insert campaign: %w", err)
	}
	return c, nil
}

// Get returns one campaign by id.
func (s *Store) Get(ctx context.Context, id string) (Campaign, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, template, params, recipients, schedule, enabled, created_at
		FROM campaigns WHERE id = ?`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, err
}

// List returns every campaign, oldest first.
func (s *Store) List(ctx context.Context) ([]Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, template, params, recipients, schedule, enabled, created_at
		FROM campaigns ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// SetEnabled flips a campaign on or off.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Remove deletes a campaign and its run history.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM campaign_runs WHERE campaign_id = ?`, id); err != nil {
		return fmt.Errorf("delete campaign runs: %w", err)
	}
	return nil
}

// ReserveRun claims the run slot for campaignID at firedAt's minute. The
// second caller in the same minute, in this process or another, gets
// reserved=false and must not send.
func (s *Store) ReserveRun(ctx context.Context, campaignID string, firedAt time.Time) (runID string, reserved bool, err error) {
	minute := firedAt.UTC().Truncate(time.Minute)
	runID = campaignID + "@" + minute.Format("200601021504")
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO campaign_runs (id, campaign_id, fired_at)
		VALUES (?, ?, ?)`,
		runID, campaignID, minute.Format(time.RFC3339))
	if err != nil {
		return "", false, fmt.Errorf("reserve run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("reserve run: %w", err)
	}
	return runID, n == 1, nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, delivered, failed int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE campaign_runs SET delivered = ?, failed = ?, finished_at = ?
		WHERE id = ?`,
		delivered, failed, time.Now().UTC().Format(time.RFC3339), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Runs lists a campaign's history, newest first.
func (s *Store) Runs(ctx context.Context, campaignID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, fired_at, delivered, failed, finished_at
		FROM campaign_runs WHERE campaign_id = ?
		ORDER BY fired_at DESC LIMIT ?`, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var firedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.CampaignID, &firedAt, &r.Delivered, &r.Failed, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.FiredAt, err = time.Parse(time.RFC3339, firedAt); err != nil {
			return nil, fmt.Errorf("parse fired_at: %w", err)
		}
		if finishedAt.Valid {
			at, err := time.Parse(time.RFC3339, finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse finished_at: %w", err)
			}
			r.FinishedAt = &at
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (Campaign, error) {
	var c Campaign
	var params, recipients, createdAt string
	var enabled int
	if err := row.Scan(&c.ID, &c.Name, &c.Template, &params, &recipients, &c.Schedule, &enabled, &createdAt); err != nil {
		return Campaign{}, err
	}
	if err := json.Unmarshal([]byte(params), &c.Params); err != nil {
		return Campaign{}, fmt.Errorf("decode params: %w", err)
	}
	if err := json.Unmarshal([]byte(recipients), &c.Recipients); err != nil {
		return Campaign{}, fmt.Errorf("decode recipients: %w", err)
	}
	c.Enabled = enabled != 0
	var err error
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Campaign{}, fmt.Errorf("parse created_at: %w", err)
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

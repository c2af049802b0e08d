// Package journal persists a per-series history of view updates and the
// notifications shown to the user in a local sqlite database.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver" // registers "sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"  // bundled sqlite build

	"github.com/zjrosen/labelpanel/internal/log"
	"github.com/zjrosen/labelpanel/internal/notify"
	"github.com/zjrosen/labelpanel/internal/panel"
)

// timeLayout is fixed width so created_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one recorded view update.
type Entry struct {
	ID          string
	Fingerprint string
	Model       string
	Operation   string
	Labels      []string
	Slice       int
	Overlap     bool
	LabelBytes  int
	CreatedAt   time.Time
}

// Journal is the sqlite-backed history store.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the journal at path and migrates it.
func Open(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info(log.CatJournal, "Journal opened", "path", path)
	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record stores one view update under fingerprint.
func (j *Journal) Record(ctx context.Context, fingerprint string, u panel.ViewUpdate) (Entry, error) {
	labels := u.Labels
	if labels == nil {
		labels = []string{}
	}
	encoded, err := json.Marshal(labels)
	if err != nil {
		return Entry{}, fmt.Errorf("encoding labels: %w", err)
	}
	e := Entry{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Model:       u.Response.Model,
		Operation:   u.Operation,
		Labels:      labels,
		Slice:       u.Slice,
		Overlap:     u.Overlap,
		LabelBytes:  len(u.Response.Label),
		CreatedAt:   j.now().UTC(),
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT INTO view_updates (id, fingerprint, model, operation, labels, slice, overlap, label_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Fingerprint, e.Model, e.Operation, string(encoded), e.Slice, e.Overlap, e.LabelBytes,
		e.CreatedAt.Format(timeLayout))
	if err != nil {
		return Entry{}, fmt.Errorf("recording view update: %w", err)
	}
	return e, nil
}

// History returns the most recent entries for fingerprint, newest first.
// A non-positive limit returns every entry.
func (j *Journal) History(ctx context.Context, fingerprint string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, fingerprint, model, operation, labels, slice, overlap, label_bytes, created_at
		FROM view_updates
		WHERE fingerprint = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, fingerprint, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			labels  string
			created string
		)
		if err := rows.Scan(&e.ID, &e.Fingerprint, &e.Model, &e.Operation, &labels, &e.Slice, &e.Overlap, &e.LabelBytes, &created); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		if err := json.Unmarshal([]byte(labels), &e.Labels); err != nil {
			return nil, fmt.Errorf("decoding labels: %w", err)
		}
		if e.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("decoding timestamp: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Show records a notification. It satisfies notify.Sink; failures are
// logged since Show cannot report them.
func (j *Journal) Show(n notify.Notification) {
	_, err := j.db.Exec(`
		INSERT INTO notifications (title, message, kind, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		n.Title, n.Message, string(n.Kind), n.Duration.Milliseconds(), j.now().UTC().Format(timeLayout))
	if err != nil {
		log.ErrorErr(log.CatJournal, "Recording notification failed", err)
	}
}

// Notifications returns the most recent notifications, newest first.
func (j *Journal) Notifications(ctx context.Context, limit int) ([]notify.Notification, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT title, message, kind, duration_ms FROM notifications ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []notify.Notification
	for rows.Next() {
		var (
			n    notify.Notification
			kind string
			ms   int64
		)
		if err := rows.Scan(&n.Title, &n.Message, &kind, &ms); err != nil {
			return nil, fmt.Errorf("scanning notifications: %w", err)
		}
		n.Kind = notify.Kind(kind)
		n.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, n)
	}
	return out, rows.Err()
}

// Sink wraps next so every view update is recorded under fingerprint
// before being forwarded unchanged. A recording failure is logged and
// does not block the update.
func (j *Journal) Sink(fingerprint string, next panel.ViewSink) panel.ViewSink {
	return &recordingSink{j: j, fingerprint: fingerprint, next: next}
}

type recordingSink struct {
	j           *Journal
	fingerprint string
	next        panel.ViewSink
}

func (s *recordingSink) UpdateView(u panel.ViewUpdate) error {
	if _, err := s.j.Record(context.Background(), s.fingerprint, u); err != nil {
		log.ErrorErr(log.CatJournal, "Recording view update failed", err, "fingerprint", s.fingerprint)
	}
	if s.next == nil {
		return errors.New("journal sink has no downstream view sink")
	}
	return s.next.UpdateView(u)
}

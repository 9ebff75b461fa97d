package reporting

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"securewipe/internal/certificate"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Ledger.Get for unknown ids.
var ErrNotFound = errors.New("certificate not found")

// ledgerTime sorts lexically in time order.
const ledgerTime = "2006-01-02T15:04:05.000000000Z"

// Ledger is a SQLite index of every issued certificate. The full signed
// document is stored alongside the columns used for listing.
type Ledger struct {
	db *sql.DB
}

// Entry is one ledger row.
type Entry struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	IssuedAt      time.Time `json:"issued_at"`
	Device        string    `json:"device"`
	Model         string    `json:"model"`
	Serial        string    `json:"serial"`
	Method        string    `json:"method"`
	Verified      bool      `json:"verified"`
	Digest        string    `json:"digest"`
	KeyID         string    `json:"key_id"`
	Operator      string    `json:"operator,omitempty"`
	Organization  string    `json:"organization,omitempty"`
	CapacityBytes uint64    `json:"capacity_bytes"`
}

// OpenLedger opens or creates the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l, err := NewLedger(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// NewLedger uses an already open database.
func NewLedger(db *sql.DB) (*Ledger, error) {
	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	table := `
	CREATE TABLE IF NOT EXISTS certificates (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		device TEXT NOT NULL,
		model TEXT,
		serial TEXT,
		method TEXT NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		digest TEXT NOT NULL,
		key_id TEXT NOT NULL,
		operator TEXT,
		organization TEXT,
		capacity_bytes INTEGER NOT NULL DEFAULT 0,
		document TEXT NOT NULL
	);`
	if _, err := l.db.ExecContext(context.Background(), table); err != nil {
		return err
	}
	_, err := l.db.ExecContext(context.Background(), `CREATE INDEX IF NOT EXISTS certificates_serial ON certificates(serial)`)
	return err
}

// Store implements Sink.
func (l *Ledger) Store(ctx context.Context, c *certificate.Certificate) error {
	if c.Integrity == nil {
		return certificate.ErrUnsigned
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	query := `INSERT INTO certificates (
		id, job_id, issued_at, device, model, serial, method, verified, digest, key_id, operator, organization, capacity_bytes, document
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	verified := c.Verification != nil && c.Verification.Performed && c.Verification.Passed
	_, err = l.db.ExecContext(ctx, query,
		c.ID, c.JobID, c.IssuedAt.UTC().Format(ledgerTime), c.Device.Path, c.Device.Model, c.Device.Serial,
		c.Method.Description, verified, c.Integrity.Digest, c.Integrity.KeyID, c.Operator, c.Organization,
		int64(c.Device.Capacity), string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to insert certificate: %w", err)
	}
	return nil
}

// List returns the newest entries first. A limit of zero or less lists all.
func (l *Ledger) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
	SELECT id, job_id, issued_at, device, model, serial, method, verified, digest, key_id, operator, organization, capacity_bytes
	FROM certificates
	ORDER BY issued_at DESC
	LIMIT ?`
	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e                            Entry
			issued                       string
			model, serial, operator, org sql.NullString
			capacity                     int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &issued, &e.Device, &model, &serial, &e.Method, &e.Verified, &e.Digest, &e.KeyID, &operator, &org, &capacity); err != nil {
			return nil, err
		}
		e.IssuedAt, _ = time.Parse(ledgerTime, issued)
		e.Model, e.Serial, e.Operator, e.Organization = model.String, serial.String, operator.String, org.String
		e.CapacityBytes = uint64(capacity)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Get returns the stored certificate with the given id.
func (l *Ledger) Get(ctx context.Context, id string) (*certificate.Certificate, error) {
	var doc string
	err := l.db.QueryRowContext(ctx, `SELECT document FROM certificates WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return certificate.Decode([]byte(doc), certificate.FormatJSON)
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

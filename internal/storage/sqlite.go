package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"dosewatch/internal/domain"
	"dosewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps one row per medication: primary key plus owner/active
// filter columns, with slots and log in a JSON document column. That is the
// whole query surface the core needs (lookup by key, filter by owner or
// active), so the document shape stays schema-stable across model changes.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for the sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateMedication(ctx context.Context, med *domain.Medication) error {
	med.Version = 1
	doc, err := json.Marshal(med)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO medications(id, owner_id, active, version, doc) VALUES(?,?,?,?,?)`,
		med.ID, med.OwnerID, boolInt(med.Active), med.Version, string(doc),
	)
	return err
}

// UpdateMedication commits the document only if the stored version still
// matches; the slot-field update and the log append travel in the same
// document write, so they land together or not at all.
func (s *sqliteStore) UpdateMedication(ctx context.Context, med *domain.Medication) error {
	next := med.Version + 1
	cp := med.Clone()
	cp.Version = next
	doc, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE medications SET active = ?, version = ?, doc = ?
		 WHERE id = ? AND owner_id = ? AND version = ?`,
		boolInt(med.Active), next, string(doc), med.ID, med.OwnerID, med.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the row is gone or a concurrent writer bumped the version.
		var cur int64
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM medications WHERE id = ? AND owner_id = ?`,
			med.ID, med.OwnerID,
		).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		return domain.ErrVersionConflict
	}
	med.Version = next
	return nil
}

func (s *sqliteStore) DeleteMedication(ctx context.Context, id, ownerID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM medications WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) MedicationByIDAndOwner(ctx context.Context, id, ownerID string) (*domain.Medication, error) {
	var doc string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, version FROM medications WHERE id = ? AND owner_id = ?`,
		id, ownerID,
	).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc(doc, version)
}

func (s *sqliteStore) MedicationsByOwner(ctx context.Context, ownerID string) ([]*domain.Medication, error) {
	return s.queryDocs(ctx,
		`SELECT doc, version FROM medications WHERE owner_id = ?`, ownerID)
}

func (s *sqliteStore) ActiveMedications(ctx context.Context) ([]*domain.Medication, error) {
	return s.queryDocs(ctx,
		`SELECT doc, version FROM medications WHERE active = 1`)
}

func (s *sqliteStore) queryDocs(ctx context.Context, query string, args ...any) ([]*domain.Medication, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Medication
	for rows.Next() {
		var doc string
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		med, err := decodeDoc(doc, version)
		if err != nil {
			// A corrupt document should not take down a whole tick.
			s.log.Warn("skipping undecodable medication document", logx.Err(err))
			continue
		}
		out = append(out, med)
	}
	return out, rows.Err()
}

func decodeDoc(doc string, version int64) (*domain.Medication, error) {
	var med domain.Medication
	if err := json.Unmarshal([]byte(doc), &med); err != nil {
		return nil, err
	}
	// The column is authoritative for the version; the embedded copy may lag.
	med.Version = version
	return &med, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

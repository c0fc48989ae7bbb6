// Package store keeps a history of recognised garments and described
// outfits in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/menta2k/outfit-lens/pkg/types"
)

// GarmentRecord is a stored garment
type GarmentRecord struct {
	ID        int64         `json:"id"`
	SessionID string        `json:"sessionId"`
	Garment   types.Garment `json:"garment"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Store wraps the SQLite connection
type Store struct {
	conn   *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// Open opens or creates the database at path and applies the schema
func Open(path string, logger *zap.Logger) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{conn: conn, logger: logger.Named("store")}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS garments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		coloring TEXT NOT NULL DEFAULT '',
		usage TEXT NOT NULL DEFAULT '',
		gender TEXT NOT NULL DEFAULT '',
		pattern TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outfits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		outfit TEXT NOT NULL,
		image BLOB,
		image_mime TEXT NOT NULL DEFAULT '',
		snapshot BLOB,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_garments_created_at ON garments(created_at);
	CREATE INDEX IF NOT EXISTS idx_outfits_session_id ON outfits(session_id);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return err
	}
	return s.ensureColumn("outfits", "snapshot", "BLOB")
}

// ensureColumn adds a column missing from databases created by older builds
func (s *Store) ensureColumn(table, column, decl string) error {
	rows, err := s.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	s.logger.Info("adding column", zap.String("table", table), zap.String("column", column))
	_, err = s.conn.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// SaveGarment stores the garment of a result
func (s *Store) SaveGarment(ctx context.Context, r types.Result) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := r.Garment
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO garments (session_id, type, coloring, usage, gender, pattern, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.SessionID, g.Type, g.Coloring, g.Usage, g.Gender, g.Pattern, createdAt(r))
	if err != nil {
		return 0, fmt.Errorf("failed to insert garment: %w", err)
	}
	return res.LastInsertId()
}

// SaveOutfit stores the outfit, generated image and snapshot of a result
func (s *Store) SaveOutfit(ctx context.Context, r types.Result) (int64, error) {
	if r.Outfit == nil {
		return 0, fmt.Errorf("result has no outfit")
	}
	payload, err := json.Marshal(r.Outfit)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal outfit: %w", err)
	}

	var data []byte
	var mime string
	if r.Image != nil {
		data, mime = r.Image.Data, r.Image.MIMEType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO outfits (session_id, outfit, image, image_mime, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.SessionID, string(payload), data, mime, r.Snapshot, createdAt(r))
	if err != nil {
		return 0, fmt.Errorf("failed to insert outfit: %w", err)
	}
	return res.LastInsertId()
}

// RecentGarments returns up to limit garments, newest first
func (s *Store) RecentGarments(ctx context.Context, limit int) ([]GarmentRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, session_id, type, coloring, usage, gender, pattern, created_at
		FROM garments ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query garments: %w", err)
	}
	defer rows.Close()

	records := []GarmentRecord{}
	for rows.Next() {
		var rec GarmentRecord
		g := &rec.Garment
		if err := rows.Scan(&rec.ID, &rec.SessionID, &g.Type, &g.Coloring, &g.Usage, &g.Gender, &g.Pattern, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan garment: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LatestOutfit returns the most recently stored outfit, or nil when there is none
func (s *Store) LatestOutfit(ctx context.Context) (*types.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r       types.Result
		payload string
		data    []byte
		mime    string
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT session_id, outfit, image, image_mime, snapshot, created_at
		FROM outfits ORDER BY created_at DESC, id DESC LIMIT 1
	`).Scan(&r.SessionID, &payload, &data, &mime, &r.Snapshot, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query outfit: %w", err)
	}

	r.Outfit = &types.Outfit{}
	if err := json.Unmarshal([]byte(payload), r.Outfit); err != nil {
		return nil, fmt.Errorf("failed to decode outfit: %w", err)
	}
	if len(data) > 0 {
		r.Image = &types.GeneratedImage{MIMEType: mime, Data: data}
	}
	if len(r.Snapshot) == 0 {
		r.Snapshot = nil
	}
	return &r, nil
}

// OnGarment implements pipeline.Sink
func (s *Store) OnGarment(ctx context.Context, r types.Result) {
	if _, err := s.SaveGarment(ctx, r); err != nil {
		s.logger.Error("failed to save garment", zap.Error(err))
	}
}

// OnOutfit implements pipeline.Sink
func (s *Store) OnOutfit(ctx context.Context, r types.Result) {
	if r.Outfit == nil {
		return
	}
	if _, err := s.SaveOutfit(ctx, r); err != nil {
		s.logger.Error("failed to save outfit", zap.Error(err))
	}
}

func createdAt(r types.Result) time.Time {
	if r.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return r.CreatedAt.UTC()
}

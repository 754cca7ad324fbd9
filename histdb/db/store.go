package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/histdb/histdb/cell"
	"github.com/ZanzyTHEbar/histdb/histdb/config"
	"github.com/ZanzyTHEbar/histdb/histdb/entity"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "github.com/tursodatabase/go-libsql"
)

// Import is one rebuild run. Cells written during a run carry its id.
type Import struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is open
	Cells      int
}

func (i Import) Finished() bool { return !i.FinishedAt.IsZero() }

// CellStore persists snappy-compressed cell containers keyed by cell. A
// cell is always replaced as a whole.
type CellStore struct {
	db     *sql.DB
	logger zerolog.Logger
	cache  *cellCache

	afterRead func(cell.Key) // test hook between a store read and the cache fill
}

// DefaultCacheSize is the number of decoded cells kept in memory.
const DefaultCacheSize = 256

type Option func(*CellStore)

// WithCacheSize bounds the decoded cell cache; zero disables it.
func WithCacheSize(n int) Option {
	return func(s *CellStore) { s.cache = newCellCache(n) }
}

// Open connects with the configured driver and prepares the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger, opts ...Option) (*CellStore, error) {
	db, err := sql.Open(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}
	s, err := NewCellStore(ctx, db, logger, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewCellStore wraps an open handle and creates missing tables.
func NewCellStore(ctx context.Context, db *sql.DB, logger zerolog.Logger, opts ...Option) (*CellStore, error) {
	s := &CellStore{db: db, logger: logger, cache: newCellCache(DefaultCacheSize)}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CellStore) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS imports (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	)`)
	if err != nil {
		return fmt.Errorf("failed to create imports table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS cells (
		cell_key TEXT PRIMARY KEY,
		zoom INTEGER NOT NULL,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		import_id TEXT NOT NULL REFERENCES imports(id),
		data BLOB NOT NULL,
		members BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create cells table: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS cells_by_import ON cells (import_id)`)
	if err != nil {
		return fmt.Errorf("failed to create cells index: %w", err)
	}
	return nil
}

func (s *CellStore) Close() error { return s.db.Close() }

// BeginImport opens a new run.
func (s *CellStore) BeginImport(ctx context.Context) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx, "INSERT INTO imports (id, started_at) VALUES (?, ?)", id.String(), time.Now().UnixNano())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert import: %w", err)
	}
	s.logger.Debug().Str("import", id.String()).Msg("import started")
	return id, nil
}

// FinishImport closes a run; later PutCell calls for it fail.
func (s *CellStore) FinishImport(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := openImport(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE imports SET finished_at = ? WHERE id = ?", time.Now().UnixNano(), id.String()); err != nil {
		return fmt.Errorf("failed to finish import %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.logger.Debug().Str("import", id.String()).Msg("import finished")
	return nil
}

// GetImport reports a run and how many cells it currently owns.
func (s *CellStore) GetImport(ctx context.Context, id uuid.UUID) (Import, error) {
	var (
		started  int64
		finished sql.NullInt64
		count    int
	)
	err := s.db.QueryRowContext(ctx, `SELECT started_at, finished_at,
		(SELECT COUNT(*) FROM cells WHERE import_id = imports.id)
		FROM imports WHERE id = ?`, id.String()).Scan(&started, &finished, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return Import{}, fmt.Errorf("%w: %s", ErrUnknownImport, id)
	}
	if err != nil {
		return Import{}, fmt.Errorf("failed to read import %s: %w", id, err)
	}
	imp := Import{ID: id, StartedAt: time.Unix(0, started), Cells: count}
	if finished.Valid {
		imp.FinishedAt = time.Unix(0, finished.Int64)
	}
	return imp, nil
}

func openImport(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	var finished sql.NullInt64
	err := tx.QueryRowContext(ctx, "SELECT finished_at FROM imports WHERE id = ?", id.String()).Scan(&finished)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownImport, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read import %s: %w", id, err)
	}
	if finished.Valid {
		return fmt.Errorf("%w: %s", ErrImportFinished, id)
	}
	return nil
}

// PutCell stores c under its key, replacing any previous version.
func (s *CellStore) PutCell(ctx context.Context, importID uuid.UUID, c *cell.Cell) error {
	members, err := c.Membership()
	if err != nil {
		return fmt.Errorf("failed to index cell %s: %w", c.Key, err)
	}
	bitmaps, err := members.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to index cell %s: %w", c.Key, err)
	}
	raw := c.Marshal()
	data := snappy.Encode(nil, raw)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := openImport(ctx, tx, importID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cells (cell_key, zoom, x, y, import_id, data, members, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cell_key) DO UPDATE SET
			import_id = excluded.import_id,
			data = excluded.data,
			members = excluded.members,
			updated_at = excluded.updated_at`,
		c.Key.String(), int64(c.Key.Zoom), int64(c.Key.X), int64(c.Key.Y), importID.String(), data, bitmaps, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write cell %s: %w", c.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.cache.remove(c.Key)

	s.logger.Debug().
		Str("cell", c.Key.String()).
		Int("elements", c.Len()).
		Int("bytes", len(raw)).
		Int("stored_bytes", len(data)).
		Msg("cell stored")
	return nil
}

// GetCell loads the cell stored under key. Returned cells may be shared
// with other callers and must not be modified.
func (s *CellStore) GetCell(ctx context.Context, key cell.Key) (*cell.Cell, error) {
	if c, ok := s.cache.get(key); ok {
		return c, nil
	}
	gen := s.cache.generation()
	var stored []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM cells WHERE cell_key = ?", key.String()).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrCellNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cell %s: %w", key, err)
	}
	data, err := snappy.Decode(nil, stored)
	if err != nil {
		s.logger.Error().Err(err).Str("cell", key.String()).Msg("stored cell is not valid snappy")
		return nil, fmt.Errorf("failed to decompress cell %s: %w", key, err)
	}
	c, err := cell.Unmarshal(data)
	if err != nil {
		s.logger.Error().Err(err).Str("cell", key.String()).Msg("stored cell is unreadable")
		return nil, err
	}
	if s.afterRead != nil {
		s.afterRead(key)
	}
	s.cache.putIfFresh(c, gen)
	return c, nil
}

// EvictZoom drops every cached cell of one zoom level and reports how many
// were cached.
func (s *CellStore) EvictZoom(zoom uint8) int {
	return s.cache.dropZoom(zoom)
}

// ListCellKeys returns every stored key ordered by zoom, x, then y.
func (s *CellStore) ListCellKeys(ctx context.Context) ([]cell.Key, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT zoom, x, y FROM cells ORDER BY zoom, x, y")
	if err != nil {
		return nil, fmt.Errorf("failed to list cells: %w", err)
	}
	defer rows.Close()

	var keys []cell.Key
	for rows.Next() {
		var k cell.Key
		if err := rows.Scan(&k.Zoom, &k.X, &k.Y); err != nil {
			return nil, fmt.Errorf("failed to scan cell key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// FindCells lists the cells holding element (t, id) at top level.
func (s *CellStore) FindCells(ctx context.Context, t entity.Type, id int64) ([]cell.Key, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT zoom, x, y, members FROM cells ORDER BY zoom, x, y")
	if err != nil {
		return nil, fmt.Errorf("failed to scan memberships: %w", err)
	}
	defer rows.Close()

	var keys []cell.Key
	for rows.Next() {
		var (
			k    cell.Key
			blob []byte
		)
		if err := rows.Scan(&k.Zoom, &k.X, &k.Y, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		m := cell.NewMembership()
		if err := m.UnmarshalBinary(blob); err != nil {
			return nil, fmt.Errorf("cell %s: %w", k, err)
		}
		if m.Contains(t, id) {
			keys = append(keys, k)
		}
	}
	return keys, rows.Err()
}

// DeleteCell removes the cell stored under key.
func (s *CellStore) DeleteCell(ctx context.Context, key cell.Key) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cells WHERE cell_key = ?", key.String())
	s.cache.remove(key)
	if err != nil {
		return fmt.Errorf("failed to delete cell %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrCellNotFound, key)
	}
	return nil
}

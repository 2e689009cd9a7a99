package keys

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/smallbiznis-tokens/internal/domain"
)

// ErrSnapshotNotFound signals the backend holds no keyset yet. Startup treats
// it as fatal unless bootstrap is explicitly enabled.
var ErrSnapshotNotFound = errors.New("keyset snapshot not found")

// Store persists keyset snapshots. File and database backends satisfy the same
// contract so tests can substitute either.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// Compile-time interface assertions.
var (
	_ Store = (*FileStore)(nil)
	_ Store = (*DatabaseStore)(nil)
)

// FileStore keeps the keyset as a JSON file on disk.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrKeyStore, s.path, err)
	}
	snap, err := unmarshalSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyStore, err)
	}
	return snap, nil
}

func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := snap.marshal()
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", domain.ErrKeyStore, err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("%w: create %s: %v", domain.ErrKeyStore, dir, err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrKeyStore, s.path, err)
	}
	return nil
}

// DatabaseStore keeps the keyset as a single managed row in Postgres.
type DatabaseStore struct {
	db *pgxpool.Pool
}

func NewDatabaseStore(db *pgxpool.Pool) *DatabaseStore {
	return &DatabaseStore{db: db}
}

const selectKeysetSQL = `SELECT snapshot FROM signing_keysets WHERE id = 1`

const upsertKeysetSQL = `INSERT INTO signing_keysets (id, snapshot, updated_at)
VALUES (1, $1, NOW())
ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`

func (s *DatabaseStore) Load(ctx context.Context) (*Snapshot, error) {
	var data []byte
	if err := s.db.QueryRow(ctx, selectKeysetSQL).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("%w: load keyset row: %v", domain.ErrKeyStore, err)
	}
	snap, err := unmarshalSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyStore, err)
	}
	return snap, nil
}

func (s *DatabaseStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := snap.marshal()
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", domain.ErrKeyStore, err)
	}
	if _, err := s.db.Exec(ctx, upsertKeysetSQL, data); err != nil {
		return fmt.Errorf("%w: save keyset row: %v", domain.ErrKeyStore, err)
	}
	return nil
}

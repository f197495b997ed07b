package ptymgr

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
)

// SpillStore receives scrollback that no longer fits in a pane's ring.
// Chunks are appended in order and read back concatenated.
type SpillStore interface {
	Append(pane ID, data []byte) error
	Load(pane ID) ([]byte, error)
	Drop(pane ID) error
	Close() error
}

// SQLiteSpill keeps spilled scrollback as zstd-compressed chunks in a
// sqlite database, one row per chunk.
type SQLiteSpill struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu  sync.Mutex
	seq map[ID]int64
}

// OpenSQLiteSpill opens (or creates) the spill database at path. Rows left
// behind by a previous server are discarded: their processes are gone.
func OpenSQLiteSpill(path string) (*SQLiteSpill, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill database: %w", err)
	}
	// A single connection serializes writers; sqlite would do so anyway.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS scrollback (
		pane TEXT NOT NULL,
		seq INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (pane, seq)
	);
	DELETE FROM scrollback;
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize spill schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &SQLiteSpill{db: db, enc: enc, dec: dec, seq: make(map[ID]int64)}, nil
}

// Append stores data as the next chunk of pane.
func (s *SQLiteSpill) Append(pane ID, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	compressed := s.enc.EncodeAll(data, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq[pane] + 1
	if _, err := s.db.Exec(`INSERT INTO scrollback (pane, seq, data) VALUES (?, ?, ?)`, string(pane), seq, compressed); err != nil {
		return fmt.Errorf("failed to spill scrollback: %w", err)
	}
	s.seq[pane] = seq
	return nil
}

// Load returns every spilled chunk of pane, decompressed and in order.
func (s *SQLiteSpill) Load(pane ID) ([]byte, error) {
	rows, err := s.db.Query(`SELECT data FROM scrollback WHERE pane = ? ORDER BY seq`, string(pane))
	if err != nil {
		return nil, fmt.Errorf("failed to query scrollback: %w", err)
	}
	defer rows.Close()

	var out []byte
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, fmt.Errorf("failed to read scrollback chunk: %w", err)
		}
		out, err = s.dec.DecodeAll(chunk, out)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress scrollback chunk: %w", err)
		}
	}
	return out, rows.Err()
}

// Drop deletes every chunk of pane.
func (s *SQLiteSpill) Drop(pane ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seq, pane)
	if _, err := s.db.Exec(`DELETE FROM scrollback WHERE pane = ?`, string(pane)); err != nil {
		return fmt.Errorf("failed to drop scrollback: %w", err)
	}
	return nil
}

// Close releases the database and codecs.
func (s *SQLiteSpill) Close() error {
	s.dec.Close()
	if err := s.enc.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

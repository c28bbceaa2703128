package authstore

import (
	"database/sql"
	"math"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/peer"
	_ "github.com/mattn/go-sqlite3"
)

// DBFile is the default file name of the authenticator database.
const DBFile = "authenticators.db"

// SQLitePersistence provides SQLite-based persistence for authenticator
// stores and for the per-subject "last checked" authenticator.
type SQLitePersistence struct {
	db   *sql.DB
	path string
}

// NewSQLitePersistence opens (and if needed creates) the database at dbPath.
func NewSQLitePersistence(dbPath string) (*SQLitePersistence, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	sp := &SQLitePersistence{
		db:   db,
		path: dbPath,
	}

	if err := sp.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return sp, nil
}

// initialize creates the required tables.
func (sp *SQLitePersistence) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS authenticators (
		store TEXT NOT NULL,
		subject TEXT NOT NULL,
		seq INTEGER NOT NULL,
		hash BLOB NOT NULL,
		signature BLOB NOT NULL,
		PRIMARY KEY (store, subject, seq)
	);

	CREATE TABLE IF NOT EXISTS last_checked (
		subject TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		hash BLOB NOT NULL,
		signature BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := sp.db.Exec(schema)
	return err
}

// InsertAuthenticator implements Persistence.
func (sp *SQLitePersistence) InsertAuthenticator(store string, subject peer.ID, a Authenticator) error {
	_, err := sp.db.Exec(`
		INSERT OR REPLACE INTO authenticators (store, subject, seq, hash, signature)
		VALUES (?, ?, ?, ?, ?)
	`, store, subject.String(), int64(a.Seq), a.Hash[:], a.Signature)
	return err
}

// DeleteAuthenticators implements Persistence.
func (sp *SQLitePersistence) DeleteAuthenticators(store string, subject peer.ID, from, to uint64) error {
	_, err := sp.db.Exec(`
		DELETE FROM authenticators WHERE store = ? AND subject = ? AND seq >= ? AND seq <= ?
	`, store, subject.String(), clampSeq(from), clampSeq(to))
	return err
}

// LoadAuthenticators implements Persistence.
func (sp *SQLitePersistence) LoadAuthenticators(store string) (map[peer.ID][]Authenticator, error) {
	rows, err := sp.db.Query(`
		SELECT subject, seq, hash, signature FROM authenticators
		WHERE store = ? ORDER BY subject, seq
	`, store)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[peer.ID][]Authenticator)
	for rows.Next() {
		var (
			subjectStr string
			seq        int64
			hash       []byte
			sig        []byte
		)
		if err := rows.Scan(&subjectStr, &seq, &hash, &sig); err != nil {
			return nil, err
		}
		id, err := peer.Decode(subjectStr)
		if err != nil {
			log.Warnf("Skipping authenticator for invalid subject %q: %v", subjectStr, err)
			continue
		}
		a := Authenticator{Seq: uint64(seq), Signature: sig}
		copy(a.Hash[:], hash)
		out[id] = append(out[id], a)
	}
	return out, rows.Err()
}

// SaveLastChecked records the newest authenticator verified for a subject.
func (sp *SQLitePersistence) SaveLastChecked(subject peer.ID, a Authenticator) error {
	_, err := sp.db.Exec(`
		INSERT OR REPLACE INTO last_checked (subject, seq, hash, signature, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, subject.String(), int64(a.Seq), a.Hash[:], a.Signature)
	return err
}

// LoadLastChecked returns every subject's last-checked authenticator.
func (sp *SQLitePersistence) LoadLastChecked() (map[peer.ID]Authenticator, error) {
	rows, err := sp.db.Query(`SELECT subject, seq, hash, signature FROM last_checked`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[peer.ID]Authenticator)
	for rows.Next() {
		var (
			subjectStr string
			seq        int64
			hash       []byte
			sig        []byte
		)
		if err := rows.Scan(&subjectStr, &seq, &hash, &sig); err != nil {
			return nil, err
		}
		id, err := peer.Decode(subjectStr)
		if err != nil {
			continue
		}
		a := Authenticator{Seq: uint64(seq), Signature: sig}
		copy(a.Hash[:], hash)
		out[id] = a
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (sp *SQLitePersistence) Close() error {
	return sp.db.Close()
}

func clampSeq(seq uint64) int64 {
	if seq > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(seq)
}

package evidence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrLogTampered       = errors.New("evidence log tampering detected")
	ErrEvidenceNotFound  = errors.New("evidence not found")
	ErrDuplicateEvidence = errors.New("evidence already filed")
)

const (
	// DBFile is the evidence database file name.
	DBFile = "evidence.db"

	// GenesisHash is the previous hash of the first record.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// Store is a tamper-evident log of filed evidence. Every record carries the
// hash of its predecessor.
type Store struct {
	db       *sql.DB
	dbPath   string
	lastHash string
	mu       sync.Mutex
}

// NewStore opens the evidence log under basePath.
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}

	dbPath := filepath.Join(basePath, DBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open evidence database: %w", err)
	}

	s := &Store{
		db:       db,
		dbPath:   dbPath,
		lastHash: GenesisHash,
	}

	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize evidence database: %w", err)
	}

	if err := s.loadLastHash(); err != nil {
		log.Warnf("Failed to load last evidence hash: %v", err)
	}

	return s, nil
}

func (s *Store) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS evidence (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			evidence_id TEXT NOT NULL UNIQUE,
			kind INTEGER NOT NULL,
			subject TEXT NOT NULL,
			originator TEXT NOT NULL,
			evidence_seq INTEGER NOT NULL,
			payload BLOB NOT NULL,
			cid TEXT NOT NULL,
			filed_at INTEGER NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL UNIQUE,
			UNIQUE (originator, subject, evidence_seq)
		)
	`)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_evidence_subject ON evidence(subject)`)
	return err
}

func (s *Store) loadLastHash() error {
	var hash string
	err := s.db.QueryRow(`SELECT entry_hash FROM evidence ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		s.lastHash = GenesisHash
		return nil
	} else if err != nil {
		return err
	}
	s.lastHash = hash
	return nil
}

// Add appends e to the log. Filing the same evidence twice returns
// ErrDuplicateEvidence.
func (s *Store) Add(ctx context.Context, e *Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryHash := computeRecordHash(e, s.lastHash)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence (evidence_id, kind, subject, originator, evidence_seq,
			payload, cid, filed_at, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, int(e.Kind), e.Subject.String(), e.Originator.String(), clampSeq(e.EvidenceSeq),
		e.Payload, e.CID.String(), e.FiledAt.UnixMilli(), s.lastHash, entryHash)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrDuplicateEvidence
		}
		return fmt.Errorf("failed to write evidence: %w", err)
	}

	s.lastHash = entryHash
	log.Debugf("Evidence: [%s] %s against %s", e.Kind, e.ID, e.Subject)
	return nil
}

// computeRecordHash computes the SHA-256 hash of a record linked to prevHash.
func computeRecordHash(e *Evidence, prevHash string) string {
	data := fmt.Sprintf("%s|%d|%s|%s|%d|%s|%d|%s",
		e.ID, e.Kind, e.Subject, e.Originator, e.EvidenceSeq,
		e.CID, e.FiledAt.UnixMilli(), prevHash)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

const selectColumns = `
	SELECT evidence_id, kind, subject, originator, evidence_seq, payload, cid,
		filed_at, previous_hash, entry_hash
	FROM evidence`

type scanner interface {
	Scan(dest ...interface{}) error
}

type record struct {
	evidence     *Evidence
	cidString    string
	previousHash string
	entryHash    string
}

func scanRecord(row scanner) (*record, error) {
	var (
		rec                 record
		e                   Evidence
		kind                int
		subjectStr, origStr string
		seq, filedAt        int64
	)
	err := row.Scan(&e.ID, &kind, &subjectStr, &origStr, &seq, &e.Payload,
		&rec.cidString, &filedAt, &rec.previousHash, &rec.entryHash)
	if err != nil {
		return nil, err
	}

	e.Kind = Kind(kind)
	e.EvidenceSeq = uint64(seq)
	e.FiledAt = time.UnixMilli(filedAt).UTC()
	if e.Subject, err = peer.Decode(subjectStr); err != nil {
		return nil, fmt.Errorf("invalid subject %q: %w", subjectStr, err)
	}
	if e.Originator, err = peer.Decode(origStr); err != nil {
		return nil, fmt.Errorf("invalid originator %q: %w", origStr, err)
	}
	if e.CID, err = cid.Decode(rec.cidString); err != nil {
		return nil, fmt.Errorf("invalid cid %q: %w", rec.cidString, err)
	}
	rec.evidence = &e
	return &rec, nil
}

// VerifyChain re-links every record and recomputes payload identifiers. It
// returns the number of records checked.
func (s *Store) VerifyChain() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(selectColumns + ` ORDER BY id ASC`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	expectedPrevHash := GenesisHash
	var count int

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return count, fmt.Errorf("%w: %v", ErrLogTampered, err)
		}
		e := rec.evidence

		if rec.previousHash != expectedPrevHash {
			log.Errorf("Chain break at evidence %s: expected prev hash %s, got %s",
				e.ID, expectedPrevHash, rec.previousHash)
			return count, ErrLogTampered
		}

		payloadCID, err := PayloadCID(e.Payload)
		if err != nil || !payloadCID.Equals(e.CID) {
			log.Errorf("Payload of evidence %s does not match its CID %s", e.ID, e.CID)
			return count, ErrLogTampered
		}

		if computed := computeRecordHash(e, rec.previousHash); computed != rec.entryHash {
			log.Errorf("Hash mismatch at evidence %s: stored %s, computed %s",
				e.ID, rec.entryHash, computed)
			return count, ErrLogTampered
		}

		expectedPrevHash = rec.entryHash
		count++
	}
	if err := rows.Err(); err != nil {
		return count, err
	}

	log.Infof("Evidence chain verified: %d records, integrity OK", count)
	return count, nil
}

// QueryOptions specifies filters for listing evidence.
type QueryOptions struct {
	Subject    peer.ID
	Originator peer.ID
	Kind       Kind
	Since      time.Time
	Limit      int
	Offset     int
}

// Query lists evidence matching opts, newest first.
func (s *Store) Query(opts QueryOptions) ([]*Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := selectColumns + ` WHERE 1=1`
	var args []interface{}

	if opts.Subject != "" {
		query += " AND subject = ?"
		args = append(args, opts.Subject.String())
	}
	if opts.Originator != "" {
		query += " AND originator = ?"
		args = append(args, opts.Originator.String())
	}
	if opts.Kind != 0 {
		query += " AND kind = ?"
		args = append(args, int(opts.Kind))
	}
	if !opts.Since.IsZero() {
		query += " AND filed_at >= ?"
		args = append(args, opts.Since.UnixMilli())
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Evidence
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			log.Warnf("Skipping unreadable evidence record: %v", err)
			continue
		}
		out = append(out, rec.evidence)
	}
	return out, rows.Err()
}

// Get retrieves a single piece of evidence by ID.
func (s *Store) Get(id string) (*Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := scanRecord(s.db.QueryRow(selectColumns+` WHERE evidence_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrEvidenceNotFound
	} else if err != nil {
		return nil, err
	}
	return rec.evidence, nil
}

// Count returns the number of filed records.
func (s *Store) Count() (int64, error) {
	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM evidence").Scan(&count)
	return count, err
}

// LastHash returns the hash of the most recent record.
func (s *Store) LastHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHash
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func clampSeq(seq uint64) int64 {
	if seq > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(seq)
}

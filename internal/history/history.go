// Package history keeps a local replica of the logs this node has audited,
// and of its own log, in SQLite. Entries are stored together with the node
// hash they produce so ranges can be served and re-verified later.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

var log = logging.Logger("sdn-history")

var (
	// ErrHistoryGap means a snippet does not connect to the replica held for
	// its subject. Snippets are verified before they are appended, so this
	// indicates a local fault rather than misbehaviour.
	ErrHistoryGap  = errors.New("snippet does not connect to local history")
	ErrChainBroken = errors.New("local history chain broken")
	ErrNoEntries   = errors.New("no entries in range")
)

// DBFile is the default file name of the replica database.
const DBFile = "history.db"

// Store is the replica database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens (and if needed creates) the replica at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS entries (
		subject TEXT NOT NULL,
		seq INTEGER NOT NULL,
		kind INTEGER NOT NULL,
		hashed INTEGER NOT NULL,
		content BLOB,
		prev_hash BLOB NOT NULL,
		node_hash BLOB NOT NULL,
		PRIMARY KEY (subject, seq)
	);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Top returns the seq and node hash of the newest entry held for subject.
func (s *Store) Top(subject peer.ID) (uint64, snippet.Hash, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.top(subject)
}

func (s *Store) top(subject peer.ID) (uint64, snippet.Hash, bool, error) {
	var (
		seq  int64
		raw  []byte
		hash snippet.Hash
	)
	err := s.db.QueryRow(`
		SELECT seq, node_hash FROM entries WHERE subject = ? ORDER BY seq DESC LIMIT 1
	`, subject.String()).Scan(&seq, &raw)
	if err == sql.ErrNoRows {
		return 0, hash, false, nil
	} else if err != nil {
		return 0, hash, false, err
	}
	copy(hash[:], raw)
	return uint64(seq), hash, true, nil
}

func (s *Store) hashAt(subject peer.ID, seq uint64) (snippet.Hash, bool, error) {
	var (
		raw  []byte
		hash snippet.Hash
	)
	err := s.db.QueryRow(`SELECT node_hash FROM entries WHERE subject = ? AND seq = ?`,
		subject.String(), int64(seq)).Scan(&raw)
	if err == sql.ErrNoRows {
		return hash, false, nil
	} else if err != nil {
		return hash, false, err
	}
	copy(hash[:], raw)
	return hash, true, nil
}

// Append adds the entries of sn that extend the replica of subject. Entries
// already held are skipped after their hash is confirmed. It returns the
// number of entries added, or ErrHistoryGap when sn neither overlaps nor
// directly continues the replica.
func (s *Store) Append(subject peer.ID, sn *snippet.LogSnippet) (int, error) {
	if err := sn.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	topSeq, topHash, ok, err := s.top(subject)
	if err != nil {
		return 0, err
	}

	chain := sn.Chain()
	start := 0
	if ok {
		if sn.LastSeq() <= topSeq {
			return 0, s.confirmOverlap(subject, sn, chain)
		}
		switch {
		case sn.FirstSeq() > topSeq:
			if sn.BaseHash != topHash {
				return 0, fmt.Errorf("%w: %s holds up to %d, snippet starts at %d with a different base",
					ErrHistoryGap, subject.ShortString(), topSeq, sn.FirstSeq())
			}
		default:
			start = -1
			for i, e := range sn.Entries {
				if e.Seq == topSeq {
					if chain[i] != topHash {
						return 0, fmt.Errorf("%w: %s hash at %d differs from the replica",
							ErrHistoryGap, subject.ShortString(), topSeq)
					}
					start = i + 1
					break
				}
			}
			if start < 0 {
				return 0, fmt.Errorf("%w: snippet skips seq %d held for %s",
					ErrHistoryGap, topSeq, subject.ShortString())
			}
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO entries (subject, seq, kind, hashed, content, prev_hash, node_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	prev := sn.BaseHash
	if start > 0 {
		prev = chain[start-1]
	}
	for i := start; i < len(sn.Entries); i++ {
		e := sn.Entries[i]
		if _, err := stmt.Exec(subject.String(), int64(e.Seq), int(e.Kind), e.Hashed,
			e.Content, prev[:], chain[i][:]); err != nil {
			return 0, fmt.Errorf("failed to store entry %d: %w", e.Seq, err)
		}
		prev = chain[i]
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	added := len(sn.Entries) - start
	log.Debugf("Appended %d entries for %s (up to %d)", added, subject.ShortString(), sn.LastSeq())
	return added, nil
}

// confirmOverlap checks a snippet that lies entirely within the replica
// against the stored hashes at the seqs both hold.
func (s *Store) confirmOverlap(subject peer.ID, sn *snippet.LogSnippet, chain []snippet.Hash) error {
	for i, e := range sn.Entries {
		stored, ok, err := s.hashAt(subject, e.Seq)
		if err != nil {
			return err
		}
		if ok && stored != chain[i] {
			return fmt.Errorf("%w: %s hash at %d differs from the replica",
				ErrHistoryGap, subject.ShortString(), e.Seq)
		}
	}
	return nil
}

// FindLastEntry returns the newest entry of the given kind at or below maxSeq.
func (s *Store) FindLastEntry(subject peer.ID, kind snippet.EntryKind, maxSeq uint64) (snippet.LogEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT seq, kind, hashed, content FROM entries
		WHERE subject = ? AND kind = ? AND seq <= ?
		ORDER BY seq DESC LIMIT 1
	`, subject.String(), int(kind), clampSeq(maxSeq))

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return snippet.LogEntry{}, false, nil
	} else if err != nil {
		return snippet.LogEntry{}, false, err
	}
	return e, true, nil
}

// NextEntry returns the first entry of subject above seq.
func (s *Store) NextEntry(subject peer.ID, seq uint64) (snippet.LogEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT seq, kind, hashed, content FROM entries
		WHERE subject = ? AND seq > ?
		ORDER BY seq ASC LIMIT 1
	`, subject.String(), clampSeq(seq))

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return snippet.LogEntry{}, false, nil
	} else if err != nil {
		return snippet.LogEntry{}, false, err
	}
	return e, true, nil
}

// Snippet returns the entries of subject in [from, to] with the node hash
// preceding the first of them.
func (s *Store) Snippet(subject peer.ID, from, to uint64) (*snippet.LogSnippet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT seq, kind, hashed, content, prev_hash FROM entries
		WHERE subject = ? AND seq >= ? AND seq <= ?
		ORDER BY seq ASC
	`, subject.String(), clampSeq(from), clampSeq(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := &snippet.LogSnippet{}
	for rows.Next() {
		var (
			seq     int64
			kind    int
			hashed  bool
			content []byte
			prev    []byte
		)
		if err := rows.Scan(&seq, &kind, &hashed, &content, &prev); err != nil {
			return nil, err
		}
		if len(out.Entries) == 0 {
			copy(out.BaseHash[:], prev)
		}
		out.Entries = append(out.Entries, snippet.LogEntry{
			Kind:    snippet.EntryKind(kind),
			Seq:     uint64(seq),
			Hashed:  hashed,
			Content: content,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out.Entries) == 0 {
		return nil, fmt.Errorf("%w: %s [%d, %d]", ErrNoEntries, subject.ShortString(), from, to)
	}
	return out, nil
}

// Bounds returns the first and last seq held for subject.
func (s *Store) Bounds(subject peer.ID) (uint64, uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first, last sql.NullInt64
	err := s.db.QueryRow(`SELECT MIN(seq), MAX(seq) FROM entries WHERE subject = ?`,
		subject.String()).Scan(&first, &last)
	if err != nil {
		return 0, 0, false, err
	}
	if !first.Valid {
		return 0, 0, false, nil
	}
	return uint64(first.Int64), uint64(last.Int64), true, nil
}

// Subjects returns every subject with a replica.
func (s *Store) Subjects() ([]peer.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT DISTINCT subject FROM entries ORDER BY subject`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []peer.ID
	for rows.Next() {
		var str string
		if err := rows.Scan(&str); err != nil {
			return nil, err
		}
		id, err := peer.Decode(str)
		if err != nil {
			log.Warnf("Skipping history for invalid subject %q: %v", str, err)
			continue
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// VerifyChain recomputes the stored chain of subject and returns the number
// of entries checked.
func (s *Store) VerifyChain(subject peer.ID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT seq, kind, hashed, content, prev_hash, node_hash FROM entries
		WHERE subject = ? ORDER BY seq ASC
	`, subject.String())
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var (
		count   int
		current snippet.Hash
	)
	for rows.Next() {
		var (
			e              snippet.LogEntry
			seq            int64
			kind           int
			prevRaw, nhRaw []byte
		)
		if err := rows.Scan(&seq, &kind, &e.Hashed, &e.Content, &prevRaw, &nhRaw); err != nil {
			return count, err
		}
		e.Seq = uint64(seq)
		e.Kind = snippet.EntryKind(kind)

		var prev, stored snippet.Hash
		copy(prev[:], prevRaw)
		copy(stored[:], nhRaw)

		if count > 0 && prev != current {
			log.Errorf("History of %s breaks at %d: expected prev %s, stored %s",
				subject.ShortString(), e.Seq, current.Short(), prev.Short())
			return count, ErrChainBroken
		}
		current = snippet.NodeHash(prev, e.Seq, e.Kind, e.ContentDigest())
		if current != stored {
			log.Errorf("History of %s has wrong hash at %d: stored %s, computed %s",
				subject.ShortString(), e.Seq, stored.Short(), current.Short())
			return count, ErrChainBroken
		}
		count++
	}
	return count, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (snippet.LogEntry, error) {
	var (
		e    snippet.LogEntry
		seq  int64
		kind int
	)
	if err := row.Scan(&seq, &kind, &e.Hashed, &e.Content); err != nil {
		return e, err
	}
	e.Seq = uint64(seq)
	e.Kind = snippet.EntryKind(kind)
	return e, nil
}

func clampSeq(seq uint64) int64 {
	if seq > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(seq)
}

package peers

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	_ "github.com/mattn/go-sqlite3"
	"github.com/multiformats/go-multiaddr"
)

// DBFile is the default file name of the peer registry database.
const DBFile = "peers.db"

// SQLitePersistence provides SQLite-based persistence for the peer registry.
type SQLitePersistence struct {
	db   *sql.DB
	path string
}

// NewSQLitePersistence creates a new SQLite persistence provider.
func NewSQLitePersistence(dbPath string) (*SQLitePersistence, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
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
	CREATE TABLE IF NOT EXISTS peers (
		id TEXT PRIMARY KEY,
		addrs TEXT,
		name TEXT,
		witnessed INTEGER NOT NULL DEFAULT 0,
		status INTEGER NOT NULL DEFAULT 0,
		added_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		status_changed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_peers_status ON peers(status);
	`

	_, err := sp.db.Exec(schema)
	return err
}

// SavePeer inserts or replaces the row of p.
func (sp *SQLitePersistence) SavePeer(p *Peer) error {
	addrsJSON, _ := json.Marshal(multiaddrsToStrings(p.Addrs))

	_, err := sp.db.Exec(`
		INSERT OR REPLACE INTO peers (
			id, addrs, name, witnessed, status, added_at, status_changed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID.String(),
		string(addrsJSON),
		p.Name,
		p.Witnessed,
		int(p.Status),
		p.AddedAt,
		nullableTime(p.StatusChangedAt),
	)
	return err
}

// DeletePeer removes the row of id.
func (sp *SQLitePersistence) DeletePeer(id peer.ID) error {
	_, err := sp.db.Exec(`DELETE FROM peers WHERE id = ?`, id.String())
	return err
}

// Load returns every persisted peer.
func (sp *SQLitePersistence) Load() (map[peer.ID]*Peer, error) {
	peers := make(map[peer.ID]*Peer)

	rows, err := sp.db.Query(`
		SELECT id, addrs, name, witnessed, status, added_at, status_changed_at
		FROM peers
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			idStr           string
			addrsJSON       sql.NullString
			name            sql.NullString
			witnessed       bool
			status          int
			addedAt         time.Time
			statusChangedAt sql.NullTime
		)

		if err := rows.Scan(&idStr, &addrsJSON, &name, &witnessed, &status, &addedAt, &statusChangedAt); err != nil {
			continue
		}

		peerID, err := peer.Decode(idStr)
		if err != nil {
			continue
		}

		var addrStrs []string
		json.Unmarshal([]byte(addrsJSON.String), &addrStrs)

		peers[peerID] = &Peer{
			ID:              peerID,
			Addrs:           stringsToMultiaddrs(addrStrs),
			Name:            name.String,
			Witnessed:       witnessed,
			Status:          Status(status),
			AddedAt:         addedAt,
			StatusChangedAt: statusChangedAt.Time,
		}
	}

	return peers, rows.Err()
}

// Close closes the database connection.
func (sp *SQLitePersistence) Close() error {
	return sp.db.Close()
}

// Helper functions

func multiaddrsToStrings(addrs []multiaddr.Multiaddr) []string {
	strs := make([]string, len(addrs))
	for i, addr := range addrs {
		strs[i] = addr.String()
	}
	return strs
}

func stringsToMultiaddrs(strs []string) []multiaddr.Multiaddr {
	addrs := make([]multiaddr.Multiaddr, 0, len(strs))
	for _, s := range strs {
		if addr, err := multiaddr.NewMultiaddr(s); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

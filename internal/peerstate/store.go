package peerstate

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/nocturne-chord/peer/internal/chord"

	_ "modernc.org/sqlite"
)

// Store is the persistent home of one peer's sent-files and stored-files
// registries plus its capacity accounting, write-through on every
// mutation, grounded on the teacher's LocalStore (internal/dht/store.go):
// same SQLite DSN (`?_journal_mode=WAL&_busy_timeout=5000`), same
// `CREATE TABLE IF NOT EXISTS` + `INSERT OR REPLACE` idiom.
type Store struct {
	db   *sql.DB
	root string // <root>/<guid>, where stored file bytes live directly under fileId names

	sentMu sync.Mutex // serializes read-modify-write on sent_files rows

	capMu      sync.Mutex // guards capacity/occupation as one invariant pair, per spec.md §5
	capacity   int64
	occupation int64
}

// Open opens (or creates) the peer's state database at
// <root>/<guid>/state, per spec.md §6's persisted layout. defaultCapacity
// seeds the capacity column the first time the database is created.
func Open(root string, guid int, defaultCapacity int64) (*Store, error) {
	peerRoot := filepath.Join(root, strconv.Itoa(guid))
	if err := os.MkdirAll(peerRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create peer root %s: %w", peerRoot, err)
	}

	dsn := filepath.Join(peerRoot, "state") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state db: %w", err)
	}

	s := &Store{db: db, root: peerRoot}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.loadCapacity(defaultCapacity); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := s.UpdateOccupation(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sent_files (
			name TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			owner_address TEXT NOT NULL,
			owner_guid INTEGER NOT NULL,
			size INTEGER NOT NULL,
			replication_degree INTEGER NOT NULL,
			keys TEXT NOT NULL,
			being_deleted INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stored_files (
			file_id TEXT PRIMARY KEY,
			owner_address TEXT NOT NULL,
			owner_guid INTEGER NOT NULL,
			size INTEGER NOT NULL,
			replication_degree INTEGER NOT NULL,
			local_key INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS peer_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

func (s *Store) loadCapacity(defaultCapacity int64) error {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM peer_meta WHERE key = 'capacity'`).Scan(&raw)
	if err == sql.ErrNoRows {
		s.capacity = defaultCapacity
		_, err := s.db.Exec(`INSERT INTO peer_meta (key, value) VALUES ('capacity', ?)`,
			strconv.FormatInt(defaultCapacity, 10))
		return err
	}
	if err != nil {
		return fmt.Errorf("load capacity: %w", err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse persisted capacity %q: %w", raw, err)
	}
	s.capacity = v
	return nil
}

// AddSent creates or replaces the sent-files entry keyed by the
// client-supplied filename, per spec.md §3 ("Sent files: keyed by local
// filename").
func (s *Store) AddSent(name string, pf PeerFile) error {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	return s.writeSentLocked(name, pf)
}

func (s *Store) writeSentLocked(name string, pf PeerFile) error {
	keysJSON, err := json.Marshal(pf.KeySlice())
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO sent_files
			(name, file_id, owner_address, owner_guid, size, replication_degree, keys, being_deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		name, pf.FileID, pf.Owner.Address, pf.Owner.GUID, pf.Size, pf.ReplicationDegree,
		string(keysJSON), boolToInt(pf.BeingDeleted),
	)
	if err != nil {
		return fmt.Errorf("write sent-files entry %q: %w", name, err)
	}
	return nil
}

// GetSent looks up a sent-files entry by filename.
func (s *Store) GetSent(name string) (PeerFile, bool, error) {
	row := s.db.QueryRow(
		`SELECT file_id, owner_address, owner_guid, size, replication_degree, keys, being_deleted
			FROM sent_files WHERE name = ?`, name)
	return scanPeerFile(row, NoLocalKey)
}

// ListSent returns every sent-files entry, keyed by filename. Iteration
// order when later ranged over is unspecified, per spec.md §4.4's "map
// order" language.
func (s *Store) ListSent() (map[string]PeerFile, error) {
	rows, err := s.db.Query(
		`SELECT name, file_id, owner_address, owner_guid, size, replication_degree, keys, being_deleted
			FROM sent_files`)
	if err != nil {
		return nil, fmt.Errorf("list sent files: %w", err)
	}
	defer rows.Close()

	out := make(map[string]PeerFile)
	for rows.Next() {
		var name string
		var fileID, ownerAddress, keysJSON string
		var ownerGUID, size int64
		var replicationDegree, beingDeleted int
		if err := rows.Scan(&name, &fileID, &ownerAddress, &ownerGUID, &size, &replicationDegree, &keysJSON, &beingDeleted); err != nil {
			return nil, fmt.Errorf("scan sent-files row: %w", err)
		}
		pf, err := buildPeerFile(fileID, ownerAddress, ownerGUID, size, replicationDegree, keysJSON, beingDeleted, NoLocalKey)
		if err != nil {
			return nil, err
		}
		out[name] = pf
	}
	return out, rows.Err()
}

// MutateSentKeys loads the sent-files entry for name, applies mutate to a
// copy of its key set, and writes the result back, all under sentMu — the
// read-modify-write unit BACKUP completions and REMOVED handling need to
// avoid losing concurrent key additions.
func (s *Store) MutateSentKeys(name string, mutate func(keys map[int]struct{})) (PeerFile, error) {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()

	pf, ok, err := s.GetSent(name)
	if err != nil {
		return PeerFile{}, err
	}
	if !ok {
		return PeerFile{}, fmt.Errorf("sent-files entry %q: %w", name, ErrNotFound)
	}
	mutate(pf.Keys)
	if err := s.writeSentLocked(name, pf); err != nil {
		return PeerFile{}, err
	}
	// Cloned so a caller handing pf.Keys off to another goroutine (e.g. the
	// REMOVED handler's re-backup exclusion set) can't race a later
	// MutateSentKeys call under sentMu.
	return pf.Clone(), nil
}

// MarkSentBeingDeleted sets beingDeleted on a sent-files entry, per spec.md
// §4.5.3 ("Mark beingDeleted = true").
func (s *Store) MarkSentBeingDeleted(name string) error {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()

	pf, ok, err := s.GetSent(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sent-files entry %q: %w", name, ErrNotFound)
	}
	pf.BeingDeleted = true
	return s.writeSentLocked(name, pf)
}

// RemoveSent deletes a sent-files entry, per spec.md §3's "purge after all
// DELETEs dispatched".
func (s *Store) RemoveSent(name string) error {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	_, err := s.db.Exec(`DELETE FROM sent_files WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove sent-files entry %q: %w", name, err)
	}
	return nil
}

// AddStored creates a stored-files entry, failing with ErrDuplicateFile if
// fileId is already present, per spec.md §4.5.1's NACK{HAVEFILE} case and
// invariant #1 ("fileId is unique in that peer's stored files map").
func (s *Store) AddStored(pf PeerFile) error {
	_, exists, err := s.GetStored(pf.FileID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("stored-files entry %q: %w", pf.FileID, ErrDuplicateFile)
	}
	_, err = s.db.Exec(
		`INSERT INTO stored_files (file_id, owner_address, owner_guid, size, replication_degree, local_key)
			VALUES (?, ?, ?, ?, ?, ?)`,
		pf.FileID, pf.Owner.Address, pf.Owner.GUID, pf.Size, pf.ReplicationDegree, pf.LocalKey,
	)
	if err != nil {
		return fmt.Errorf("write stored-files entry %q: %w", pf.FileID, err)
	}
	return nil
}

// GetStored looks up a stored-files entry by fileId.
func (s *Store) GetStored(fileID string) (PeerFile, bool, error) {
	row := s.db.QueryRow(
		`SELECT owner_address, owner_guid, size, replication_degree, local_key
			FROM stored_files WHERE file_id = ?`, fileID)
	var ownerAddress string
	var ownerGUID, size int64
	var replicationDegree, localKey int
	err := row.Scan(&ownerAddress, &ownerGUID, &size, &replicationDegree, &localKey)
	if err == sql.ErrNoRows {
		return PeerFile{}, false, nil
	}
	if err != nil {
		return PeerFile{}, false, fmt.Errorf("scan stored-files entry %q: %w", fileID, err)
	}
	return PeerFile{
		FileID:            fileID,
		Owner:             chord.PeerRef{Address: ownerAddress, GUID: int(ownerGUID)},
		Size:              size,
		ReplicationDegree: replicationDegree,
		Keys:              make(map[int]struct{}),
		LocalKey:          localKey,
	}, true, nil
}

// ListStored returns every stored-files entry. Iteration order when later
// ranged over is unspecified, matching spec.md §4.5.4's "iterates stored
// files in map order" language (a map, not an ordered list).
func (s *Store) ListStored() ([]PeerFile, error) {
	rows, err := s.db.Query(
		`SELECT file_id, owner_address, owner_guid, size, replication_degree, local_key FROM stored_files`)
	if err != nil {
		return nil, fmt.Errorf("list stored files: %w", err)
	}
	defer rows.Close()

	var out []PeerFile
	for rows.Next() {
		var fileID, ownerAddress string
		var ownerGUID, size int64
		var replicationDegree, localKey int
		if err := rows.Scan(&fileID, &ownerAddress, &ownerGUID, &size, &replicationDegree, &localKey); err != nil {
			return nil, fmt.Errorf("scan stored-files row: %w", err)
		}
		out = append(out, PeerFile{
			FileID:            fileID,
			Owner:             chord.PeerRef{Address: ownerAddress, GUID: int(ownerGUID)},
			Size:              size,
			ReplicationDegree: replicationDegree,
			Keys:              make(map[int]struct{}),
			LocalKey:          localKey,
		})
	}
	return out, rows.Err()
}

// RemoveStored deletes a stored-files entry. It does not touch the file on
// disk; callers remove the bytes at StoredFilePath(fileID) themselves
// (DELETE and RECLAIM's eviction loop both remove the file on disk first,
// then the registry entry).
func (s *Store) RemoveStored(fileID string) error {
	_, err := s.db.Exec(`DELETE FROM stored_files WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("remove stored-files entry %q: %w", fileID, err)
	}
	return nil
}

// StoredFilePath returns the on-disk path for a stored file's bytes, per
// spec.md §6 ("Stored files live at <root>/<peer-guid>/<fileId>").
func (s *Store) StoredFilePath(fileID string) string {
	return filepath.Join(s.root, fileID)
}

// HasSpace reports whether nBytes more can be accepted without exceeding
// capacity, per spec.md §3's has_space predicate.
func (s *Store) HasSpace(nBytes int64) bool {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	return s.occupation+nBytes <= s.capacity
}

// Capacity returns the current capacity in bytes.
func (s *Store) Capacity() int64 {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	return s.capacity
}

// Occupation returns the last-computed occupation in bytes.
func (s *Store) Occupation() int64 {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	return s.occupation
}

// SetCapacity persists a new capacity, per spec.md §4.5.4's RECLAIM
// semantics (caller passes DEFAULT_CAPACITY to "reset to default").
func (s *Store) SetCapacity(n int64) error {
	s.capMu.Lock()
	defer s.capMu.Unlock()
	s.capacity = n
	_, err := s.db.Exec(`INSERT OR REPLACE INTO peer_meta (key, value) VALUES ('capacity', ?)`,
		strconv.FormatInt(n, 10))
	if err != nil {
		return fmt.Errorf("persist capacity: %w", err)
	}
	return nil
}

// UpdateOccupation recomputes occupation as the sum of stored-files sizes,
// per spec.md §3 ("occupation: bytes = Σ size(stored files)"), and returns
// the new value.
func (s *Store) UpdateOccupation() (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRow(`SELECT SUM(size) FROM stored_files`).Scan(&total); err != nil {
		return 0, fmt.Errorf("update occupation: %w", err)
	}
	s.capMu.Lock()
	s.occupation = total.Int64
	occ := s.occupation
	s.capMu.Unlock()
	return occ, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanPeerFile(row *sql.Row, localKey int) (PeerFile, bool, error) {
	var fileID, ownerAddress, keysJSON string
	var ownerGUID, size int64
	var replicationDegree, beingDeleted int
	err := row.Scan(&fileID, &ownerAddress, &ownerGUID, &size, &replicationDegree, &keysJSON, &beingDeleted)
	if err == sql.ErrNoRows {
		return PeerFile{}, false, nil
	}
	if err != nil {
		return PeerFile{}, false, fmt.Errorf("scan sent-files entry: %w", err)
	}
	pf, err := buildPeerFile(fileID, ownerAddress, ownerGUID, size, replicationDegree, keysJSON, beingDeleted, localKey)
	if err != nil {
		return PeerFile{}, false, err
	}
	return pf, true, nil
}

func buildPeerFile(fileID, ownerAddress string, ownerGUID, size int64, replicationDegree int, keysJSON string, beingDeleted, localKey int) (PeerFile, error) {
	var keySlice []int
	if err := json.Unmarshal([]byte(keysJSON), &keySlice); err != nil {
		return PeerFile{}, fmt.Errorf("unmarshal keys for %q: %w", fileID, err)
	}
	keys := make(map[int]struct{}, len(keySlice))
	for _, k := range keySlice {
		keys[k] = struct{}{}
	}
	return PeerFile{
		FileID:            fileID,
		Owner:             chord.PeerRef{Address: ownerAddress, GUID: int(ownerGUID)},
		Size:              size,
		ReplicationDegree: replicationDegree,
		Keys:              keys,
		LocalKey:          localKey,
		BeingDeleted:      beingDeleted != 0,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

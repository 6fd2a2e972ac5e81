package engram

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/segmentio/encoding/json"
	_ "modernc.org/sqlite"
)

// Store wraps a SQLite connection providing the durable keyed + vector store
// spec.md §4.1 requires: an embedded columnar table plus a vector index,
// with no query planner beyond what's hand-written here.
type Store struct {
	db *sql.DB

	// mu is the write-scope lock spec.md §5 requires around consolidate_batch's
	// multi-statement hash-chain construction; Put also takes it. The
	// single-statement updates (Deactivate, MarkConsolidated, UpdateAccess)
	// do not take mu, so they can be called inside WithWriteLock.
	mu sync.Mutex

	// dim is the embedding dimension established by the first non-empty
	// embedding written to this store. 0 means not yet established.
	dim int

	// storeDirPath is store/ under DataDir, used to locate episodic.jsonl.
	storeDirPath string
}

const timeLayout = time.RFC3339Nano

// NewStore opens (or creates) the SQLite database under dir/store and runs
// migrations, mirroring the teacher's NewStore shape.
func NewStore(dir string) (*Store, error) {
	storeDir := filepath.Join(dir, "store")
	if err := os.MkdirAll(storeDir, 0755); err != nil {
		return nil, &StorageFault{Op: "mkdir", Err: err}
	}
	path := filepath.Join(storeDir, "engram.db")

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, &StorageFault{Op: "open", Err: err}
	}
	// Single connection avoids write contention; at ENGRAM's per-agent scale
	// this is fast enough to score in Go, matching the teacher's choice.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, storeDirPath: storeDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, &StorageFault{Op: "migrate", Err: err}
	}
	if err := s.loadDimension(); err != nil {
		db.Close()
		return nil, &StorageFault{Op: "load dimension", Err: err}
	}
	return s, nil
}

func (s *Store) migrate() error {
	s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)

	var version int
	s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)

	if version < 1 {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS memories (
				id                 TEXT PRIMARY KEY,
				kind               TEXT NOT NULL,
				content            TEXT NOT NULL,
				timestamp          TEXT NOT NULL,
				salience           REAL NOT NULL DEFAULT 0,
				emotion_vector     TEXT NOT NULL DEFAULT '[0,0,0,0,0,0,0,0]',
				tags               TEXT NOT NULL DEFAULT '[]',
				relations          TEXT NOT NULL DEFAULT '[]',
				decay_rate         REAL NOT NULL DEFAULT 0.997,
				version            INTEGER NOT NULL DEFAULT 1,
				prev_hash          TEXT NOT NULL DEFAULT '',
				signature          TEXT NOT NULL DEFAULT '',
				consolidated_ts    TEXT NOT NULL DEFAULT '',
				trigger_condition  TEXT NOT NULL DEFAULT '',
				action             TEXT NOT NULL DEFAULT '',
				source_agent       TEXT NOT NULL DEFAULT '',
				trust_score        REAL NOT NULL DEFAULT 0,
				maintenance_cost   REAL NOT NULL DEFAULT 0,
				retrieval_count    INTEGER NOT NULL DEFAULT 0,
				last_accessed      TEXT NOT NULL DEFAULT '',
				active             INTEGER NOT NULL DEFAULT 1
			);
			CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind);
			CREATE INDEX IF NOT EXISTS idx_memories_active ON memories(active);
			CREATE INDEX IF NOT EXISTS idx_memories_timestamp ON memories(timestamp);

			CREATE TABLE IF NOT EXISTS vectors (
				memory_id      TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
				vector         BLOB,
				trigger_vector BLOB
			);

			CREATE TABLE IF NOT EXISTS store_meta (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);
		`); err != nil {
			return err
		}
		s.db.Exec(`INSERT INTO schema_version (version) VALUES (1)`)
	}

	return nil
}

func (s *Store) loadDimension() error {
	var v string
	err := s.db.QueryRow(`SELECT value FROM store_meta WHERE key = 'dimension'`).Scan(&v)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	var dim int
	if _, err := fmt.Sscanf(v, "%d", &dim); err != nil {
		return err
	}
	s.dim = dim
	return nil
}

// Dimension returns the store's established embedding dimension, or 0 if
// none has been established yet.
func (s *Store) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dim
}

// --- Vector encoding ---

// EncodeVector converts a float32 slice to a little-endian byte blob.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector converts a little-endian byte blob back to a float32 slice.
func DecodeVector(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// WithWriteLock runs fn while holding the store's write-scope lock, so
// multi-statement atomic sections (e.g. a consolidate_batch chain) cannot
// interleave with other writers, per spec.md §5.
func (s *Store) WithWriteLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// --- Put / Get ---

// Put inserts or replaces a unit by id. Fails with DimensionMismatchError if
// the unit carries a non-empty embedding whose length disagrees with the
// store's established dimension; the first unit with a non-empty embedding
// establishes that dimension.
func (s *Store) Put(unit *MemoryUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(unit)
}

func (s *Store) putLocked(unit *MemoryUnit) error {
	if len(unit.Embedding) > 0 {
		if s.dim == 0 {
			s.dim = len(unit.Embedding)
			s.db.Exec(`INSERT INTO store_meta (key, value) VALUES ('dimension', ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", s.dim))
		} else if len(unit.Embedding) != s.dim {
			return &DimensionMismatchError{Expected: s.dim, Actual: len(unit.Embedding)}
		}
	}

	unit.Tags = normalizeTags(unit.Tags)

	emotionJSON, _ := json.Marshal(unit.EmotionVector)
	tagsJSON, _ := json.Marshal(unit.Tags)
	relJSON, _ := json.Marshal(unit.Relations)
	var actionJSON []byte
	if unit.Action != nil {
		actionJSON, _ = json.Marshal(unit.Action)
	}

	var consolidatedTS, lastAccessed string
	if !unit.ConsolidatedTS.IsZero() {
		consolidatedTS = unit.ConsolidatedTS.Format(timeLayout)
	}
	if !unit.LastAccessed.IsZero() {
		lastAccessed = unit.LastAccessed.Format(timeLayout)
	}

	active := 0
	if unit.Active {
		active = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO memories (
			id, kind, content, timestamp, salience, emotion_vector, tags, relations,
			decay_rate, version, prev_hash, signature, consolidated_ts,
			trigger_condition, action, source_agent, trust_score, maintenance_cost,
			retrieval_count, last_accessed, active
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, content=excluded.content, timestamp=excluded.timestamp,
			salience=excluded.salience, emotion_vector=excluded.emotion_vector,
			tags=excluded.tags, relations=excluded.relations, decay_rate=excluded.decay_rate,
			version=excluded.version, prev_hash=excluded.prev_hash, signature=excluded.signature,
			consolidated_ts=excluded.consolidated_ts, trigger_condition=excluded.trigger_condition,
			action=excluded.action, source_agent=excluded.source_agent, trust_score=excluded.trust_score,
			maintenance_cost=excluded.maintenance_cost, retrieval_count=excluded.retrieval_count,
			last_accessed=excluded.last_accessed, active=excluded.active`,
		unit.ID, string(unit.Kind), unit.Content, unit.Timestamp.Format(timeLayout),
		unit.Salience, string(emotionJSON), string(tagsJSON), string(relJSON),
		unit.DecayRate, unit.Version, unit.PrevHash, unit.Signature, consolidatedTS,
		unit.TriggerCondition, string(actionJSON), unit.SourceAgent, unit.TrustScore,
		unit.MaintenanceCost, unit.RetrievalCount, lastAccessed, active,
	)
	if err != nil {
		return &StorageFault{Op: "put", Err: err}
	}

	var vecBlob, triggerBlob []byte
	if len(unit.Embedding) > 0 {
		vecBlob = EncodeVector(unit.Embedding)
	}
	if len(unit.TriggerEmbedding) > 0 {
		triggerBlob = EncodeVector(unit.TriggerEmbedding)
	}
	_, err = s.db.Exec(`
		INSERT INTO vectors (memory_id, vector, trigger_vector) VALUES (?,?,?)
		ON CONFLICT(memory_id) DO UPDATE SET vector=excluded.vector, trigger_vector=excluded.trigger_vector`,
		unit.ID, vecBlob, triggerBlob,
	)
	if err != nil {
		return &StorageFault{Op: "put vector", Err: err}
	}

	if unit.Kind == KindEpisodic {
		if err := s.appendEpisodicAudit(unit); err != nil {
			log.Printf("[engram] warning: episodic audit log append failed for %s: %v", unit.ID, err)
		}
	}

	return nil
}

// Get retrieves a unit by id, or (nil, nil) if it does not exist.
func (s *Store) Get(id string) (*MemoryUnit, error) {
	row := s.db.QueryRow(`
		SELECT m.id, m.kind, m.content, m.timestamp, m.salience, m.emotion_vector, m.tags,
			m.relations, m.decay_rate, m.version, m.prev_hash, m.signature, m.consolidated_ts,
			m.trigger_condition, m.action, m.source_agent, m.trust_score, m.maintenance_cost,
			m.retrieval_count, m.last_accessed, m.active, v.vector, v.trigger_vector
		FROM memories m LEFT JOIN vectors v ON v.memory_id = m.id
		WHERE m.id = ?`, id)
	unit, err := scanUnit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageFault{Op: "get", Err: err}
	}
	return unit, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row rowScanner) (*MemoryUnit, error) {
	var u MemoryUnit
	var kind, ts, emotionJSON, tagsJSON, relJSON, consolidatedTS, actionJSON, lastAccessed string
	var active int
	var vecBlob, triggerBlob []byte

	if err := row.Scan(
		&u.ID, &kind, &u.Content, &ts, &u.Salience, &emotionJSON, &tagsJSON, &relJSON,
		&u.DecayRate, &u.Version, &u.PrevHash, &u.Signature, &consolidatedTS,
		&u.TriggerCondition, &actionJSON, &u.SourceAgent, &u.TrustScore, &u.MaintenanceCost,
		&u.RetrievalCount, &lastAccessed, &active, &vecBlob, &triggerBlob,
	); err != nil {
		return nil, err
	}

	u.Kind = Kind(kind)
	u.Timestamp, _ = time.Parse(timeLayout, ts)
	if consolidatedTS != "" {
		u.ConsolidatedTS, _ = time.Parse(timeLayout, consolidatedTS)
	}
	if lastAccessed != "" {
		u.LastAccessed, _ = time.Parse(timeLayout, lastAccessed)
	}
	u.Active = active != 0

	json.Unmarshal([]byte(emotionJSON), &u.EmotionVector)
	json.Unmarshal([]byte(tagsJSON), &u.Tags)
	json.Unmarshal([]byte(relJSON), &u.Relations)
	if actionJSON != "" {
		var a ProspectiveAction
		if json.Unmarshal([]byte(actionJSON), &a) == nil {
			u.Action = &a
		}
	}
	u.Embedding = DecodeVector(vecBlob)
	u.TriggerEmbedding = DecodeVector(triggerBlob)

	return &u, nil
}

// QueryOptions filters Store.Query.
type QueryOptions struct {
	Kind                Kind
	ActiveOnly          bool
	MinSalience         float64
	UnconsolidatedOnly  bool
	Limit               int
}

// Query returns units matching the given filters, sorted by timestamp
// descending, per spec.md §4.1. Corrupt rows are skipped with a logged
// warning rather than aborting the whole query (spec.md's failure model).
func (s *Store) Query(opts QueryOptions) ([]*MemoryUnit, error) {
	q := `SELECT m.id, m.kind, m.content, m.timestamp, m.salience, m.emotion_vector, m.tags,
		m.relations, m.decay_rate, m.version, m.prev_hash, m.signature, m.consolidated_ts,
		m.trigger_condition, m.action, m.source_agent, m.trust_score, m.maintenance_cost,
		m.retrieval_count, m.last_accessed, m.active, v.vector, v.trigger_vector
		FROM memories m LEFT JOIN vectors v ON v.memory_id = m.id WHERE 1=1`
	var args []any

	if opts.ActiveOnly {
		q += ` AND m.active = 1`
	}
	if opts.Kind != "" {
		q += ` AND m.kind = ?`
		args = append(args, string(opts.Kind))
	}
	if opts.MinSalience > 0 {
		q += ` AND m.salience >= ?`
		args = append(args, opts.MinSalience)
	}
	if opts.UnconsolidatedOnly {
		q += ` AND m.consolidated_ts = '' AND m.kind = 'episodic'`
	}
	q += ` ORDER BY m.timestamp DESC`
	if opts.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, &StorageFault{Op: "query", Err: err}
	}
	defer rows.Close()

	var results []*MemoryUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			log.Printf("[engram] warning: skipping corrupt row in query: %v", err)
			continue
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// VectorResult is one hit from VectorSearch.
type VectorResult struct {
	ID         string
	Similarity float64
}

// VectorSearch performs a brute-force cosine-similarity scan over active
// units (optionally filtered by kind/min_salience), returning the top_k
// highest-similarity ids. At ENGRAM's per-agent scale this is fast enough
// to score in Go, as the teacher's own store.go comment notes for its own
// brute-force scan.
func (s *Store) VectorSearch(queryEmbedding []float32, topK int, kindFilter Kind, minSalience float64) ([]VectorResult, error) {
	if len(queryEmbedding) == 0 {
		return nil, nil
	}

	q := `SELECT m.id, m.salience, v.vector FROM memories m
		JOIN vectors v ON v.memory_id = m.id
		WHERE m.active = 1 AND v.vector IS NOT NULL`
	var args []any
	if kindFilter != "" {
		q += ` AND m.kind = ?`
		args = append(args, string(kindFilter))
	}
	if minSalience > 0 {
		q += ` AND m.salience >= ?`
		args = append(args, minSalience)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, &StorageFault{Op: "vector_search", Err: err}
	}
	defer rows.Close()

	var results []VectorResult
	for rows.Next() {
		var id string
		var salience float64
		var vecBlob []byte
		if err := rows.Scan(&id, &salience, &vecBlob); err != nil {
			log.Printf("[engram] warning: skipping corrupt row in vector_search: %v", err)
			continue
		}
		vec := DecodeVector(vecBlob)
		if len(vec) != len(queryEmbedding) {
			continue
		}
		sim := CosineSimilarity(queryEmbedding, vec)
		results = append(results, VectorResult{ID: id, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageFault{Op: "vector_search", Err: err}
	}

	sortResultsDesc(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func sortResultsDesc(results []VectorResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Similarity > results[j-1].Similarity; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// UpdateAccess increments retrieval_count and sets last_accessed to now.
func (s *Store) UpdateAccess(id string) error {
	_, err := s.db.Exec(`UPDATE memories SET retrieval_count = retrieval_count + 1, last_accessed = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return &StorageFault{Op: "update_access", Err: err}
	}
	return nil
}

// Deactivate sets active=false for the given unit.
func (s *Store) Deactivate(id string) error {
	_, err := s.db.Exec(`UPDATE memories SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return &StorageFault{Op: "deactivate", Err: err}
	}
	return nil
}

// MarkConsolidated sets consolidated_ts to now for the given unit, unless
// already set (spec.md §3 invariant 7: monotonic, never cleared).
func (s *Store) MarkConsolidated(id string) error {
	_, err := s.db.Exec(`UPDATE memories SET consolidated_ts = ? WHERE id = ? AND consolidated_ts = ''`,
		time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return &StorageFault{Op: "mark_consolidated", Err: err}
	}
	return nil
}

// UpdateUnit persists an already-existing unit's full state. Equivalent to
// Put but named to match spec.md §4.1's contract list.
func (s *Store) UpdateUnit(unit *MemoryUnit) error {
	return s.Put(unit)
}

// Count returns the number of units matching kind (optional) and active_only.
func (s *Store) Count(kind Kind, activeOnly bool) (int, error) {
	q := `SELECT COUNT(*) FROM memories WHERE 1=1`
	var args []any
	if activeOnly {
		q += ` AND active = 1`
	}
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(kind))
	}
	var n int
	if err := s.db.QueryRow(q, args...).Scan(&n); err != nil {
		return 0, &StorageFault{Op: "count", Err: err}
	}
	return n, nil
}

// GetLastHash returns the content_hash of the most recent unit by
// timestamp, or empty string for an empty store.
func (s *Store) GetLastHash() (string, error) {
	row := s.db.QueryRow(`
		SELECT id, content, timestamp, prev_hash FROM memories ORDER BY timestamp DESC LIMIT 1`)
	var id, content, ts, prevHash string
	err := row.Scan(&id, &content, &ts, &prevHash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &StorageFault{Op: "get_last_hash", Err: err}
	}
	parsed, _ := time.Parse(timeLayout, ts)
	return ContentHash(id, content, parsed, prevHash), nil
}

// CostEntry is one row of AllActiveCosts.
type CostEntry struct {
	ID      string
	Cost    float64
	Utility float64
}

// AllActiveCosts returns (id, maintenance_cost, utility_score) for every
// active unit, sorted by utility ascending, per spec.md §4.1.
func (s *Store) AllActiveCosts(degreeBonus func(relations []Relation) float64) ([]CostEntry, error) {
	rows, err := s.db.Query(`SELECT id, maintenance_cost, retrieval_count, salience, relations FROM memories WHERE active = 1`)
	if err != nil {
		return nil, &StorageFault{Op: "all_active_costs", Err: err}
	}
	defer rows.Close()

	var entries []CostEntry
	for rows.Next() {
		var id, relJSON string
		var cost, salience float64
		var retrievalCount int
		if err := rows.Scan(&id, &cost, &retrievalCount, &salience, &relJSON); err != nil {
			log.Printf("[engram] warning: skipping corrupt row in all_active_costs: %v", err)
			continue
		}
		var relations []Relation
		json.Unmarshal([]byte(relJSON), &relations)
		bonus := 0.0
		if degreeBonus != nil {
			bonus = degreeBonus(relations)
		}
		utility := float64(retrievalCount)*0.6 + salience*0.3 + bonus
		entries = append(entries, CostEntry{ID: id, Cost: cost, Utility: utility})
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageFault{Op: "all_active_costs", Err: err}
	}

	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Utility < entries[j-1].Utility; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	return entries, nil
}

// appendEpisodicAudit appends an episodic unit as one JSON line to the
// append-only audit log at store/episodic.jsonl, per spec.md §6.
func (s *Store) appendEpisodicAudit(unit *MemoryUnit) error {
	// The caller already holds s.mu; the log sits in storeDirPath alongside
	// store/engram.db.
	f, err := os.OpenFile(s.episodicLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(unit)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func (s *Store) episodicLogPath() string {
	return filepath.Join(s.storeDirPath, "episodic.jsonl")
}

// Close shuts down the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

package store

import (
	"regexp"
	"sync"
)

// IdentifierPattern matches a bare identifier query eligible for the symbol map lane.
// Multi-word queries, punctuation, and quoted phrases never touch this lane.
var IdentifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SymbolMap is an in-memory, case-sensitive index from symbol name to the set of
// chunk ids that define it, scoped by repo. It is maintained directly by the
// Indexing Coordinator rather than derived from the lexical index's symbol field,
// so a lookup is O(1) instead of a round trip through BM25.
//
// The map is rebuilt from the Chunk Store during reconciliation rather than
// persisted on its own: it is a derived structure, and the Chunk Store remains
// the authoritative source of truth on crash recovery.
type SymbolMap struct {
	mu sync.RWMutex

	// byName maps repoID -> symbol name -> set of chunk ids.
	byName map[string]map[string]map[string]struct{}

	// namesByChunk remembers which (repo, symbol name) pairs a chunk registered,
	// so a delete keyed only by chunk id (as the coordinator's commit order requires)
	// can find and remove every entry without a reverse scan.
	namesByChunk map[string][]symbolKey
}

type symbolKey struct {
	repoID string
	name   string
}

// NewSymbolMap creates an empty symbol map.
func NewSymbolMap() *SymbolMap {
	return &SymbolMap{
		byName:       make(map[string]map[string]map[string]struct{}),
		namesByChunk: make(map[string][]symbolKey),
	}
}

// Insert registers chunkID as a definition site of name within repoID.
func (s *SymbolMap) Insert(repoID, name, chunkID string) {
	if name == "" || chunkID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	repoSymbols, ok := s.byName[repoID]
	if !ok {
		repoSymbols = make(map[string]map[string]struct{})
		s.byName[repoID] = repoSymbols
	}

	chunks, ok := repoSymbols[name]
	if !ok {
		chunks = make(map[string]struct{})
		repoSymbols[name] = chunks
	}
	chunks[chunkID] = struct{}{}

	s.namesByChunk[chunkID] = append(s.namesByChunk[chunkID], symbolKey{repoID: repoID, name: name})
}

// RemoveChunk removes every symbol-map entry registered by chunkID, across all
// repos and names it was inserted under. Matches the coordinator's removal
// order, which only has a chunk id available at the point the symbol-map
// delete must happen.
func (s *SymbolMap) RemoveChunk(chunkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.namesByChunk[chunkID]
	if !ok {
		return
	}
	delete(s.namesByChunk, chunkID)

	for _, k := range keys {
		repoSymbols, ok := s.byName[k.repoID]
		if !ok {
			continue
		}
		chunks, ok := repoSymbols[k.name]
		if !ok {
			continue
		}
		delete(chunks, chunkID)
		if len(chunks) == 0 {
			delete(repoSymbols, k.name)
		}
		if len(repoSymbols) == 0 {
			delete(s.byName, k.repoID)
		}
	}
}

// Lookup returns the chunk ids registered under the exact name within repoID.
// Returns (nil, false) when name is not a registered symbol in that repo.
func (s *SymbolMap) Lookup(repoID, name string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repoSymbols, ok := s.byName[repoID]
	if !ok {
		return nil, false
	}
	chunks, ok := repoSymbols[name]
	if !ok || len(chunks) == 0 {
		return nil, false
	}

	ids := make([]string, 0, len(chunks))
	for id := range chunks {
		ids = append(ids, id)
	}
	return ids, true
}

// LookupAnyRepo returns the chunk ids registered under name across every repo
// currently tracked. Used only when the caller passed no repo_filter at all;
// an active filter must use Lookup and skip the lane on a miss rather than
// fall through to other repos (repo isolation).
func (s *SymbolMap) LookupAnyRepo(name string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, repoSymbols := range s.byName {
		if chunks, ok := repoSymbols[name]; ok {
			for id := range chunks {
				ids = append(ids, id)
			}
		}
	}
	return ids, len(ids) > 0
}

// Count returns the total number of distinct (repo, symbol name) entries tracked.
// Exposed for index status reporting.
func (s *SymbolMap) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	for _, repoSymbols := range s.byName {
		n += len(repoSymbols)
	}
	return n
}

// AllChunkIDs returns every chunk id currently registered in the map — the
// set of "named" chunks a three-way consistency check compares against the
// Chunk Store/BM25/Vector id sets (property 1: those sets must agree on the
// chunks that carry at least one symbol).
func (s *SymbolMap) AllChunkIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.namesByChunk))
	for id := range s.namesByChunk {
		ids = append(ids, id)
	}
	return ids
}

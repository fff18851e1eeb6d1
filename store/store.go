package store

import (
	"fmt"
	"sync"

	"timeflow/models"
)

// RawStore owns the ordered sequence of raw chunks for one ingestion
// generation. It has exactly one writer (the active ingestion run): chunks
// are appended until Seal, after which the store is read-only. A reload
// does not clear a RawStore in place; the session swaps in a fresh store so
// a superseded run can never write into the state of the new one.
type RawStore struct {
	mu     sync.RWMutex
	chunks []models.RawChunk
	rows   int
	sealed bool
}

func NewRawStore() *RawStore {
	return &RawStore{}
}

// Append adds a chunk in ingestion order. It fails once the store is sealed.
func (s *RawStore) Append(chunk models.RawChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return fmt.Errorf("raw store is sealed, cannot append chunk %d", chunk.Index)
	}
	s.chunks = append(s.chunks, chunk)
	s.rows += len(chunk.Rows)
	return nil
}

// Seal marks the end of ingestion. The store is read-only afterwards.
func (s *RawStore) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

func (s *RawStore) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

func (s *RawStore) RowCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows
}

func (s *RawStore) ChunkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Chunks returns a snapshot of the chunk sequence. Chunk contents are never
// mutated after append, so readers may hold the snapshot across yields.
func (s *RawStore) Chunks() []models.RawChunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RawChunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// EachRow visits every row in original ingestion order, across chunks in
// order. Iteration stops early when fn returns false.
func (s *RawStore) EachRow(fn func(row models.RawRow) bool) {
	for _, chunk := range s.Chunks() {
		for _, row := range chunk.Rows {
			if !fn(row) {
				return
			}
		}
	}
}

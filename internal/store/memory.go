package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore implements RecordStore in process memory. It backs local
// runs of the CLI and the pipeline tests; state is lost on exit.
type MemoryStore struct {
	mu     sync.Mutex
	images map[string]*Image
	now    func() time.Time
}

var _ RecordStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{images: make(map[string]*Image), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, img *Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.images[img.ID]; ok {
		return fmt.Errorf("create image %s: already exists", img.ID)
	}
	c := img.Clone()
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.images[c.ID] = c
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images[id].Clone(), nil
}

func (s *MemoryStore) FindByKey(_ context.Context, key string) (*Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range s.images {
		if img.Key == key {
			return img.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Image
	for _, img := range s.images {
		if filter.Status != "" && img.Status != filter.Status {
			continue
		}
		out = append(out, img.Clone())
	}
	slices.SortFunc(out, func(a, b *Image) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if n := filter.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from []Status, change Change) (bool, error) {
	if err := checkTransition(from, change); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok || !slices.Contains(from, img.Status) {
		return false, nil
	}
	change.apply(img, s.now())
	return true, nil
}

func (s *MemoryStore) RecordVerificationAttempts(_ context.Context, id string, n int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok || img.Status.Terminal() || n <= 0 {
		return nil
	}
	img.VerificationAttempts += n
	img.LastVerificationAt = &at
	img.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AcceptedHashes(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hashes []string
	for _, img := range s.images {
		if img.Status == StatusAccepted && img.Analysis != nil && img.Analysis.PHash != "" {
			hashes = append(hashes, img.Analysis.PHash)
		}
	}
	return hashes, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

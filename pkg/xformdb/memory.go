package xformdb

import (
	"context"
	"fmt"
	"sync"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	images      map[string]string
	xforms      map[string]XformRecord
	order       []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.images = make(map[string]string)
	s.xforms = make(map[string]XformRecord)
	s.order = nil
	return nil
}

func (s *MemoryStore) AddImage(_ context.Context, path, space string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return "", ErrNotInitialized
	}
	if space == "" {
		space = newID()
	}
	s.images[path] = space
	return space, nil
}

func (s *MemoryStore) ImageSpace(_ context.Context, path string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return "", false, ErrNotInitialized
	}
	space, ok := s.images[path]
	return space, ok, nil
}

func (s *MemoryStore) AddXform(_ context.Context, rec XformRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return "", ErrNotInitialized
	}
	if rec.ID == "" {
		rec.ID = newID()
	}
	if _, exists := s.xforms[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.xforms[rec.ID] = rec
	return rec.ID, nil
}

func (s *MemoryStore) GetXform(_ context.Context, id string) (XformRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return XformRecord{}, false, ErrNotInitialized
	}
	rec, ok := s.xforms[id]
	return rec, ok, nil
}

func (s *MemoryStore) FindXforms(_ context.Context, refPath, fltPath string) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	from, ok := s.images[refPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImage, refPath)
	}
	to, ok := s.images[fltPath]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImage, fltPath)
	}
	records := make([]XformRecord, 0, len(s.order))
	for _, id := range s.order {
		records = append(records, s.xforms[id])
	}
	return matchXforms(records, from, to), nil
}

package parmstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

// MemoryStore keeps funklets in maps guarded by a RWMutex.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string][]*Funklet
	defaults map[string]*Funklet
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string][]*Funklet),
		defaults: make(map[string]*Funklet),
	}
}

func (s *MemoryStore) GetCoefficients(ctx context.Context, pattern string, domain models.Domain) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	if !hasMeta(pattern) {
		for _, f := range s.values[pattern] {
			if f.Domain.Overlaps(domain) {
				out = append(out, Entry{Name: pattern, Funklet: f.Clone()})
			}
		}
		sortEntries(out)
		return out, nil
	}
	for name, list := range s.values {
		ok, err := matchName(pattern, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, f := range list {
			if f.Domain.Overlaps(domain) {
				out = append(out, Entry{Name: name, Funklet: f.Clone()})
			}
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *MemoryStore) GetDefault(ctx context.Context, name string) (*Funklet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, candidate := range defaultCandidates(name) {
		if f, ok := s.defaults[candidate]; ok {
			return f.Clone(), nil
		}
	}
	return nil, fmt.Errorf("no default for %s: %w", name, ErrNotFound)
}

func (s *MemoryStore) PutCoefficients(ctx context.Context, name string, domain models.Domain, f *Funklet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePut(name, domain, f); err != nil {
		return err
	}
	stored := f.Clone()
	stored.Domain = domain

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.values[name]
	domains := make([]models.Domain, len(list))
	for i, e := range list {
		domains[i] = e.Domain
	}
	i, err := checkPut(name, domains, domain)
	if err != nil {
		return err
	}
	if i >= 0 {
		list[i] = stored
		return nil
	}
	s.values[name] = append(list, stored)
	return nil
}

func (s *MemoryStore) PutDefault(ctx context.Context, name string, f *Funklet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || f == nil {
		return fmt.Errorf("default needs a name and a funklet")
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("default %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[name] = f.Clone()
	return nil
}

func (s *MemoryStore) Names(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	add := func(name string) error {
		ok, err := matchName(pattern, name)
		if err != nil {
			return err
		}
		if ok {
			seen[name] = true
		}
		return nil
	}
	for name := range s.values {
		if err := add(name); err != nil {
			return nil, err
		}
	}
	for name := range s.defaults {
		if err := add(name); err != nil {
			return nil, err
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// snapshot copies the store contents for serialization
func (s *MemoryStore) snapshot() fileDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := fileDocument{Defaults: make(map[string]*Funklet, len(s.defaults))}
	for name, f := range s.defaults {
		doc.Defaults[name] = f.Clone()
	}
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, f := range s.values[name] {
			doc.Values = append(doc.Values, fileValue{Name: name, Funklet: f.Clone()})
		}
	}
	return doc
}

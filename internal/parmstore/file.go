package parmstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

type fileValue struct {
	Name    string   `yaml:"name"`
	Funklet *Funklet `yaml:"funklet"`
}

type fileDocument struct {
	Defaults map[string]*Funklet `yaml:"defaults,omitempty"`
	Values   []fileValue         `yaml:"values,omitempty"`
}

// FileStore is a MemoryStore persisted to a YAML document. Changes are
// written back on Save and Close.
type FileStore struct {
	*MemoryStore
	path   string
	saveMu sync.Mutex
}

// OpenFileStore loads path, or starts empty when it does not exist yet
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	doc, err := readDocument(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	}
	if err != nil {
		return nil, err
	}
	if err := doc.copyInto(context.Background(), fs.MemoryStore); err != nil {
		return nil, fmt.Errorf("parameter file %s: %w", path, err)
	}
	return fs, nil
}

// Seed copies the defaults and values of the YAML document at path into dst.
// Entries already in dst with the same name and domain are replaced.
func Seed(ctx context.Context, dst Store, path string) error {
	doc, err := readDocument(path)
	if err != nil {
		return err
	}
	if err := doc.copyInto(ctx, dst); err != nil {
		return fmt.Errorf("seed %s: %w", path, err)
	}
	return nil
}

func readDocument(path string) (*fileDocument, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter file %s: %w", path, err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse parameter file %s: %w", path, err)
	}
	return &doc, nil
}

func (doc *fileDocument) copyInto(ctx context.Context, dst Store) error {
	names := make([]string, 0, len(doc.Defaults))
	for name := range doc.Defaults {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := dst.PutDefault(ctx, name, doc.Defaults[name]); err != nil {
			return err
		}
	}
	for _, v := range doc.Values {
		if v.Funklet == nil {
			return fmt.Errorf("value %s has no funklet", v.Name)
		}
		if err := dst.PutCoefficients(ctx, v.Name, v.Funklet.Domain, v.Funklet); err != nil {
			return err
		}
	}
	return nil
}

// Save writes the store to its file atomically
func (s *FileStore) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	data, err := yaml.Marshal(s.snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to save parameters: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save parameters: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to save parameters: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to save parameters: %w", err)
	}
	return nil
}

// Close saves the store
func (s *FileStore) Close() error {
	return s.Save()
}

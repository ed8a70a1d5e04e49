package parmstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/config"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

var (
	// ErrCoefficientMismatch is returned when a write targets a domain that
	// partially overlaps an existing entry of the same parameter.
	ErrCoefficientMismatch = errors.New("coefficient domain mismatch")
	// ErrNotFound is returned when neither a value nor a default exists
	ErrNotFound = errors.New("parameter not found")
)

// Entry is a stored funklet and the parameter it belongs to
type Entry struct {
	Name    string
	Funklet *Funklet
}

// Store is a domain-indexed store of parameter funklets. Returned funklets
// are copies; mutating them never changes the store.
type Store interface {
	// GetCoefficients returns every entry whose name matches the glob pattern
	// and whose domain overlaps domain (open intervals on both axes).
	GetCoefficients(ctx context.Context, pattern string, domain models.Domain) ([]Entry, error)
	// GetDefault resolves name against the defaults, stripping the last ':'
	// or '.' separated component until a default matches.
	GetDefault(ctx context.Context, name string) (*Funklet, error)
	// PutCoefficients stores f for name over domain. An entry with an
	// identical domain is replaced.
	PutCoefficients(ctx context.Context, name string, domain models.Domain, f *Funklet) error
	PutDefault(ctx context.Context, name string, f *Funklet) error
	// Names lists parameter names with values or defaults matching pattern.
	Names(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

// Open creates the store selected by cfg and loads its seed document
func Open(ctx context.Context, cfg config.Store) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "memory":
		s = NewMemoryStore()
	case "yaml":
		s, err = OpenFileStore(cfg.Path)
	case "sqlite":
		s, err = OpenSQLStore(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown parameter store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Seed != "" {
		if err := Seed(ctx, s, cfg.Seed); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Resolve returns the funklet that applies to name over domain: the stored
// entry overlapping it, or else the hierarchical default rebound to domain.
func Resolve(ctx context.Context, s Store, name string, domain models.Domain) (*Funklet, error) {
	entries, err := s.GetCoefficients(ctx, escapePattern(name), domain)
	if err != nil {
		return nil, err
	}
	switch len(entries) {
	case 0:
	case 1:
		return entries[0].Funklet, nil
	default:
		for _, e := range entries {
			if e.Funklet.Domain.Contains(domain) {
				return e.Funklet, nil
			}
		}
		return nil, fmt.Errorf("%s has %d entries overlapping %s: %w", name, len(entries), domain, ErrCoefficientMismatch)
	}

	def, err := s.GetDefault(ctx, name)
	if err != nil {
		return nil, err
	}
	return rebind(def, domain), nil
}

// rebind moves a default onto domain. Polynomial defaults keep their
// normalization so they evaluate identically.
func rebind(f *Funklet, domain models.Domain) *Funklet {
	out := f.Clone()
	out.Domain = domain
	return out
}

// defaultCandidates lists name followed by each ancestor obtained by
// stripping the last ':' or '.' separated component.
func defaultCandidates(name string) []string {
	out := []string{name}
	for {
		i := strings.LastIndexAny(name, ":.")
		if i <= 0 {
			return out
		}
		name = name[:i]
		out = append(out, name)
	}
}

func matchName(pattern, name string) (bool, error) {
	ok, err := path.Match(pattern, name)
	if err != nil {
		return false, fmt.Errorf("bad name pattern %q: %w", pattern, err)
	}
	return ok, nil
}

func hasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, `*?[\`)
}

func escapePattern(name string) string {
	if !hasMeta(name) {
		return name
	}
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(`*?[\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// checkPut validates a write against the existing domains of one name. It
// returns the index of an identical domain, or -1.
func checkPut(name string, existing []models.Domain, domain models.Domain) (int, error) {
	for i, d := range existing {
		if d.Equal(domain) {
			return i, nil
		}
		if d.Overlaps(domain) {
			return -1, fmt.Errorf("%s: write to %s overlaps stored %s: %w", name, domain, d, ErrCoefficientMismatch)
		}
	}
	return -1, nil
}

func validatePut(name string, domain models.Domain, f *Funklet) error {
	if name == "" {
		return fmt.Errorf("parameter name is required")
	}
	if f == nil {
		return fmt.Errorf("%s: nil funklet", name)
	}
	if !(domain.StartFreq < domain.EndFreq) || !(domain.StartTime < domain.EndTime) {
		return fmt.Errorf("%s: empty domain %s", name, domain)
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		di, dj := entries[i].Funklet.Domain, entries[j].Funklet.Domain
		if di.StartTime != dj.StartTime {
			return di.StartTime < dj.StartTime
		}
		return di.StartFreq < dj.StartFreq
	})
}

// Package coeffindex negotiates the shared numbering of solvable
// coefficients across kernels.
package coeffindex

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
)

var (
	// ErrLengthMismatch is returned when two kernels report a different
	// coefficient count for the same parameter.
	ErrLengthMismatch = errors.New("coefficient count mismatch")
	// ErrUnknownParameter is returned when a local parameter is missing from the index
	ErrUnknownParameter = errors.New("parameter not in index")
)

// Entry places one parameter at [Offset, Offset+Length) of a vector
type Entry struct {
	Name   string
	Offset int
	Length int
}

// Request is one kernel's report of a locally solvable parameter
type Request struct {
	Name  string
	Count int
}

// Index is a frozen mapping from parameter name to an interval of the
// combined solution vector. The intervals partition [0, Size()).
type Index struct {
	entries []Entry
	byName  map[string]int
	size    int
}

// NewIndex validates that entries tile the vector without gaps or overlaps
func NewIndex(entries []Entry) (*Index, error) {
	idx := &Index{
		entries: append([]Entry(nil), entries...),
		byName:  make(map[string]int, len(entries)),
	}
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	next := 0
	for _, e := range sorted {
		if e.Length <= 0 {
			return nil, fmt.Errorf("parameter %s has length %d", e.Name, e.Length)
		}
		if e.Offset != next {
			return nil, fmt.Errorf("parameter %s starts at %d, expected %d", e.Name, e.Offset, next)
		}
		next += e.Length
	}
	for i, e := range idx.entries {
		if _, dup := idx.byName[e.Name]; dup {
			return nil, fmt.Errorf("parameter %s listed twice", e.Name)
		}
		idx.byName[e.Name] = i
	}
	idx.size = next
	return idx, nil
}

// Size returns the length of the combined vector
func (x *Index) Size() int {
	return x.size
}

// Entries returns a copy of the entries in assignment order
func (x *Index) Entries() []Entry {
	return append([]Entry(nil), x.entries...)
}

// Lookup finds a parameter's interval
func (x *Index) Lookup(name string) (Entry, bool) {
	i, ok := x.byName[name]
	if !ok {
		return Entry{}, false
	}
	return x.entries[i], true
}

// Mapping translates local intervals into a local→global column table:
// column i of the local numbering is column Mapping[i] globally.
func (x *Index) Mapping(local []Entry) ([]int, error) {
	n := 0
	for _, l := range local {
		if end := l.Offset + l.Length; end > n {
			n = end
		}
	}
	out := make([]int, n)
	for i := range out {
		out[i] = -1
	}
	for _, l := range local {
		g, ok := x.Lookup(l.Name)
		if !ok {
			return nil, fmt.Errorf("%s: %w", l.Name, ErrUnknownParameter)
		}
		if g.Length != l.Length {
			return nil, fmt.Errorf("%s has %d local and %d global coefficients: %w", l.Name, l.Length, g.Length, ErrLengthMismatch)
		}
		for k := 0; k < l.Length; k++ {
			out[l.Offset+k] = g.Offset + k
		}
	}
	for i, g := range out {
		if g < 0 {
			return nil, fmt.Errorf("local column %d is not covered by any parameter", i)
		}
	}
	return out, nil
}

// Registry collects kernel requests until the index is built. Registering
// the same kernel again replaces its earlier request.
type Registry struct {
	mu       sync.Mutex
	requests map[string][]Request
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{requests: make(map[string][]Request)}
}

// Register records the solvable parameters of one kernel
func (r *Registry) Register(kernel string, reqs []Request) error {
	seen := make(map[string]bool, len(reqs))
	for _, q := range reqs {
		if q.Name == "" || q.Count <= 0 {
			return fmt.Errorf("kernel %s: invalid request %q with %d coefficients", kernel, q.Name, q.Count)
		}
		if seen[q.Name] {
			return fmt.Errorf("kernel %s: parameter %s requested twice", kernel, q.Name)
		}
		seen[q.Name] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[kernel] = append([]Request(nil), reqs...)
	return nil
}

// Registered reports how many kernels have registered
func (r *Registry) Registered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// Has reports whether kernel has registered
func (r *Registry) Has(kernel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.requests[kernel]
	return ok
}

// Build assigns offsets in first-seen order, walking kernels in roster order
// and each kernel's requests in the order given. Names seen before share
// their interval.
func (r *Registry) Build(roster []string) (*Index, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []Entry
	pos := make(map[string]int)
	offset := 0
	for _, kernel := range roster {
		reqs, ok := r.requests[kernel]
		if !ok {
			return nil, fmt.Errorf("kernel %s has not sent its solvable parameters", kernel)
		}
		for _, q := range reqs {
			if i, seen := pos[q.Name]; seen {
				if entries[i].Length != q.Count {
					return nil, fmt.Errorf("%s: %d vs %d coefficients: %w", q.Name, entries[i].Length, q.Count, ErrLengthMismatch)
				}
				continue
			}
			pos[q.Name] = len(entries)
			entries = append(entries, Entry{Name: q.Name, Offset: offset, Length: q.Count})
			offset += q.Count
		}
	}
	return NewIndex(entries)
}

// MatchSolvable selects the names matching any include pattern and no
// exclude pattern. Patterns use path.Match syntax. The result keeps the
// order of names.
func MatchSolvable(names, include, exclude []string) ([]string, error) {
	var out []string
	for _, name := range names {
		in, err := matchAny(include, name)
		if err != nil {
			return nil, err
		}
		if !in {
			continue
		}
		excluded, err := matchAny(exclude, name)
		if err != nil {
			return nil, err
		}
		if !excluded {
			out = append(out, name)
		}
	}
	return out, nil
}

func matchAny(patterns []string, name string) (bool, error) {
	for _, p := range patterns {
		ok, err := path.Match(p, name)
		if err != nil {
			return false, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

package parmstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/models"
)

var sqlSchema = []string{`
CREATE TABLE IF NOT EXISTS parm_defaults(
	name TEXT PRIMARY KEY,
	nfreq INTEGER NOT NULL,
	ntime INTEGER NOT NULL,
	offset_freq REAL NOT NULL,
	scale_freq REAL NOT NULL,
	offset_time REAL NOT NULL,
	scale_time REAL NOT NULL,
	perturbation REAL NOT NULL,
	pert_relative INTEGER NOT NULL,
	coeffs BLOB NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS parm_values(
	name TEXT NOT NULL,
	start_freq REAL NOT NULL,
	end_freq REAL NOT NULL,
	start_time REAL NOT NULL,
	end_time REAL NOT NULL,
	nfreq INTEGER NOT NULL,
	ntime INTEGER NOT NULL,
	offset_freq REAL NOT NULL,
	scale_freq REAL NOT NULL,
	offset_time REAL NOT NULL,
	scale_time REAL NOT NULL,
	perturbation REAL NOT NULL,
	pert_relative INTEGER NOT NULL,
	coeffs BLOB NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS parm_values_name ON parm_values(name, start_time)`,
}

const funkletColumns = `nfreq, ntime, offset_freq, scale_freq, offset_time, scale_time, perturbation, pert_relative, coeffs`

// SQLStore keeps funklets in a SQLite database
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating when needed) the database at path
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parameter database %s: %w", path, err)
	}
	// one writer keeps PutCoefficients' read-check-write atomic
	db.SetMaxOpenConns(1)
	for _, stmt := range sqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create parameter tables in %s: %w", path, err)
		}
	}
	return &SQLStore{db: db}, nil
}

func packCoeffs(vs []float64) []byte {
	out := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		out = binary.LittleEndian.AppendUint64(out, math.Float64bits(v))
	}
	return out
}

func unpackCoeffs(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("coefficient blob of %d bytes", len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanFunklet reads the funkletColumns after any leading destinations
func scanFunklet(row rowScanner, lead ...any) (*Funklet, error) {
	var (
		f    Funklet
		rel  int
		blob []byte
	)
	dest := append(lead, &f.NFreq, &f.NTime, &f.OffsetFreq, &f.ScaleFreq, &f.OffsetTime, &f.ScaleTime, &f.Perturbation, &rel, &blob)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	coeffs, err := unpackCoeffs(blob)
	if err != nil {
		return nil, err
	}
	f.Coeffs = coeffs
	f.PertRelative = rel != 0
	return &f, nil
}

func funkletArgs(f *Funklet) []any {
	rel := 0
	if f.PertRelative {
		rel = 1
	}
	return []any{f.NFreq, f.NTime, f.OffsetFreq, f.ScaleFreq, f.OffsetTime, f.ScaleTime, f.Perturbation, rel, packCoeffs(f.Coeffs)}
}

func (s *SQLStore) GetCoefficients(ctx context.Context, pattern string, domain models.Domain) ([]Entry, error) {
	query := `SELECT name, start_freq, end_freq, start_time, end_time, ` + funkletColumns + `
		FROM parm_values
		WHERE start_freq < ? AND ? < end_freq AND start_time < ? AND ? < end_time`
	args := []any{domain.EndFreq, domain.StartFreq, domain.EndTime, domain.StartTime}
	if !hasMeta(pattern) {
		query += ` AND name = ?`
		args = append(args, pattern)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", pattern, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			name string
			d    models.Domain
		)
		f, err := scanFunklet(rows, &name, &d.StartFreq, &d.EndFreq, &d.StartTime, &d.EndTime)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		ok, err := matchName(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			f.Domain = d
			out = append(out, Entry{Name: name, Funklet: f})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortEntries(out)
	return out, nil
}

func (s *SQLStore) GetDefault(ctx context.Context, name string) (*Funklet, error) {
	for _, candidate := range defaultCandidates(name) {
		row := s.db.QueryRowContext(ctx, `SELECT `+funkletColumns+` FROM parm_defaults WHERE name = ?`, candidate)
		f, err := scanFunklet(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("default %s: %w", candidate, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("no default for %s: %w", name, ErrNotFound)
}

func (s *SQLStore) PutCoefficients(ctx context.Context, name string, domain models.Domain, f *Funklet) error {
	if err := validatePut(name, domain, f); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT rowid, start_freq, end_freq, start_time, end_time FROM parm_values WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	var (
		ids     []int64
		domains []models.Domain
	)
	for rows.Next() {
		var (
			id int64
			d  models.Domain
		)
		if err := rows.Scan(&id, &d.StartFreq, &d.EndFreq, &d.StartTime, &d.EndTime); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
		domains = append(domains, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	i, err := checkPut(name, domains, domain)
	if err != nil {
		return err
	}
	args := funkletArgs(f)
	if i >= 0 {
		_, err = tx.ExecContext(ctx, `UPDATE parm_values SET nfreq=?, ntime=?, offset_freq=?, scale_freq=?, offset_time=?, scale_time=?, perturbation=?, pert_relative=?, coeffs=? WHERE rowid = ?`,
			append(args, ids[i])...)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO parm_values(name, start_freq, end_freq, start_time, end_time, `+funkletColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			append([]any{name, domain.StartFreq, domain.EndFreq, domain.StartTime, domain.EndTime}, args...)...)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *SQLStore) PutDefault(ctx context.Context, name string, f *Funklet) error {
	if name == "" || f == nil {
		return fmt.Errorf("default needs a name and a funklet")
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("default %s: %w", name, err)
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO parm_defaults(name, `+funkletColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		append([]any{name}, funkletArgs(f)...)...)
	if err != nil {
		return fmt.Errorf("write default %s: %w", name, err)
	}
	return nil
}

func (s *SQLStore) Names(ctx context.Context, pattern string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM parm_values UNION SELECT name FROM parm_defaults`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		ok, err := matchName(pattern, name)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

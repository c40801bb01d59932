package recipe

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
)

// CSV load errors. A file failing any check is rejected whole; no partial
// recipe is returned.
var (
	ErrEmptyFile      = errors.New("recipe: csv file has no header row")
	ErrHeaderMismatch = errors.New("recipe: csv header does not match device columns")
)

// csvHeader is the fixed first column of every recipe file; the device
// columns follow it.
const csvHeader = "Action"

// Save writes rec to w as CSV: a header row of "Action" plus the device
// columns, then one row per step with blank cells preserved.
func Save(w io.Writer, rec Recipe) error {
	cw := csv.NewWriter(w)

	header := make([]string, 0, len(rec.Columns)+1)
	header = append(header, csvHeader)
	header = append(header, rec.Columns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("recipe: write csv header: %w", err)
	}

	row := make([]string, len(header))
	for _, step := range rec.Steps {
		row[0] = string(step.Kind)
		for i, col := range rec.Columns {
			row[i+1] = step.Cells[col]
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("recipe: write csv row: %w", err)
		}
	}

	cw.Flush()

	return cw.Error()
}

// SaveFile writes rec to the named file, creating or truncating it.
func SaveFile(name string, rec Recipe) error {
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("recipe: create %s: %w", name, err)
	}

	if err := Save(f, rec); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}

// Load parses a recipe from r. The header must be exactly "Action" followed
// by columns in order; every action token must be in the catalog and every
// SHUTTER cell must be blank, OPEN or CLOSE. Any violation rejects the whole
// file.
func Load(r io.Reader, columns []string) (Recipe, error) {
	cr := csv.NewReader(r)

	rows, err := cr.ReadAll()
	if err != nil {
		return Recipe{}, fmt.Errorf("recipe: read csv: %w", err)
	}
	if len(rows) == 0 {
		return Recipe{}, ErrEmptyFile
	}

	want := make([]string, 0, len(columns)+1)
	want = append(want, csvHeader)
	want = append(want, columns...)
	if !slices.Equal(rows[0], want) {
		return Recipe{}, fmt.Errorf("%w: got %v, want %v", ErrHeaderMismatch, rows[0], want)
	}

	known := make(map[Kind]struct{}, len(Kinds()))
	for _, k := range Kinds() {
		known[k] = struct{}{}
	}

	rec := Recipe{Columns: slices.Clone(columns)}
	for i, row := range rows[1:] {
		kind := Kind(row[0])
		if _, ok := known[kind]; !ok {
			return Recipe{}, fmt.Errorf("%w: %q at row %d", ErrUnknownAction, row[0], i+2)
		}

		cells := make(map[string]string, len(columns))
		for j, col := range columns {
			v := row[j+1]
			if kind == KindShutter && v != "" && v != ShutterCellOpen && v != ShutterCellClose {
				return Recipe{}, fmt.Errorf("%w: %q at row %d", ErrUnknownShutterState, v, i+2)
			}
			cells[col] = v
		}

		rec.Steps = append(rec.Steps, Step{Kind: kind, Cells: cells, Index: i})
	}

	return rec, nil
}

// LoadFile parses a recipe from the named file.
func LoadFile(name string, columns []string) (Recipe, error) {
	f, err := os.Open(name)
	if err != nil {
		return Recipe{}, fmt.Errorf("recipe: open %s: %w", name, err)
	}
	defer f.Close()

	return Load(f, columns)
}

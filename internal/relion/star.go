// Package relion reads and writes RELION STAR particle tables and derives
// the per-particle quantities the subtraction pipeline consumes.
package relion

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrMissingLabel reports a column required by the pipeline that the table
// does not declare.
var ErrMissingLabel = errors.New("relion: missing label")

// Table is one loop block of a STAR file: ordered column labels plus row
// cells kept as the text they were read from, so untouched columns survive
// a read-patch-write cycle byte for byte.
type Table struct {
	Labels []string
	Rows   [][]string
	Dir    string // directory of the source file, for relative image paths

	index map[string]int
}

// Read parses the STAR file at path. Files with several data blocks yield
// the first block declaring rlnImageName, or the first block when none does.
func Read(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	t.Dir = filepath.Dir(path)
	return t, nil
}

// Parse reads STAR loop blocks from r.
func Parse(r io.Reader) (*Table, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	const (
		seekData = iota
		seekLoop
		readLabels
		readRows
	)
	state := seekData
	var blocks []*Table
	var cur *Table
	lineno := 0

	endBlock := func() {
		if cur != nil && len(cur.Labels) > 0 {
			blocks = append(blocks, cur)
		}
		cur = nil
	}

	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}

		switch state {
		case seekData:
			if strings.HasPrefix(line, "data_") {
				state = seekLoop
			}
		case seekLoop:
			if strings.HasPrefix(line, "loop_") {
				cur = &Table{index: make(map[string]int)}
				state = readLabels
			} else if strings.HasPrefix(line, "data_") {
				state = seekLoop
			}
		case readLabels:
			switch {
			case line == "":
				// stray blank between loop_ and labels
			case strings.HasPrefix(line, "_"):
				label := strings.TrimPrefix(strings.Fields(line)[0], "_")
				cur.index[label] = len(cur.Labels)
				cur.Labels = append(cur.Labels, label)
			default:
				state = readRows
				if err := cur.appendRow(line, lineno); err != nil {
					return nil, err
				}
			}
		case readRows:
			switch {
			case line == "":
				endBlock()
				state = seekData
			case strings.HasPrefix(line, "data_"):
				endBlock()
				state = seekLoop
			default:
				if err := cur.appendRow(line, lineno); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	endBlock()

	if len(blocks) == 0 {
		return nil, errors.New("no loop block found")
	}
	for _, b := range blocks {
		if _, ok := b.index[LabelImageName]; ok {
			return b, nil
		}
	}
	return blocks[0], nil
}

func (t *Table) appendRow(line string, lineno int) error {
	cells := strings.Fields(line)
	if len(cells) != len(t.Labels) {
		return fmt.Errorf("line %d: row has %d cells, header declares %d", lineno, len(cells), len(t.Labels))
	}
	t.Rows = append(t.Rows, cells)
	return nil
}

// LabelIndex returns the column position of a label.
func (t *Table) LabelIndex(label string) (int, bool) {
	i, ok := t.index[label]
	return i, ok
}

// Require verifies that every named label is present.
func (t *Table) Require(labels ...string) error {
	for _, l := range labels {
		if _, ok := t.index[l]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingLabel, l)
		}
	}
	return nil
}

// Value returns the cell at row i under the given label.
func (t *Table) Value(i int, label string) (string, error) {
	col, ok := t.index[label]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingLabel, label)
	}
	return t.Rows[i][col], nil
}

// Float parses the cell at row i under the given label.
func (t *Table) Float(i int, label string) (float64, error) {
	s, err := t.Value(i, label)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("row %d: parse %s: %w", i, label, err)
	}
	return v, nil
}

// PatchedRow returns a copy of row i with the given label values replaced.
func (t *Table) PatchedRow(i int, patches map[string]string) ([]string, error) {
	row := make([]string, len(t.Rows[i]))
	copy(row, t.Rows[i])
	for label, val := range patches {
		col, ok := t.index[label]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingLabel, label)
		}
		row[col] = val
	}
	return row, nil
}

// WriteHeader writes the data block preamble and the numbered label lines.
func (t *Table) WriteHeader(w io.Writer) error {
	if _, err := io.WriteString(w, "\ndata_\n\nloop_\n"); err != nil {
		return err
	}
	for i, l := range t.Labels {
		if _, err := fmt.Fprintf(w, "_%s #%d\n", l, i+1); err != nil {
			return err
		}
	}
	return nil
}

// WriteRow writes one row, cells joined by two spaces.
func WriteRow(w io.Writer, cells []string) error {
	if _, err := io.WriteString(w, strings.Join(cells, "  ")); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

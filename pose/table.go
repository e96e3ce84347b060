// Package pose resolves image identities to geographic poses.
//
// Pose records come from a flat text file with one whitespace-delimited
// record per line: <id> <lat> <lon> <heading>. Exact lookups go through an
// ordered btree keyed by id. The substring scan of the legacy localizer is
// kept as a separate, explicitly named lookup.
package pose

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/btree"

	neuralvps "github.com/Mineru98/neural-vps-go"
)

// Record is one line of a pose file
type Record struct {
	ID   string
	Line int
	Text string
	Pose neuralvps.Pose
}

func recordLess(a, b Record) bool {
	// numeric ids of equal length sort numerically
	if len(a.ID) != len(b.ID) {
		return len(a.ID) < len(b.ID)
	}
	return a.ID < b.ID
}

// Table is an in-memory pose table
type Table struct {
	byID       *btree.BTreeG[Record]
	lines      []Record
	duplicates int
}

// NewTable creates an empty table
func NewTable() *Table {
	return &Table{byID: btree.NewBTreeG[Record](recordLess)}
}

// LoadTable reads a pose file from disk
func LoadTable(path string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pose file: %w", err)
	}
	defer file.Close()

	table, err := ReadTable(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// ReadTable parses pose records from r. Blank lines are skipped.
func ReadTable(r io.Reader) (*Table, error) {
	table := NewTable()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 4 {
			return nil, fmt.Errorf("line %d: expected 4 fields, got %d", lineNo, len(fields))
		}

		var values [3]float64
		for i := range values {
			v, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			values[i] = v
		}

		table.Add(Record{
			ID:   fields[0],
			Line: lineNo,
			Text: text,
			Pose: neuralvps.Pose{Lat: values[0], Lon: values[1], Heading: values[2]},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return table, nil
}

// Add appends a record. The first record of a given id keeps the exact key.
func (t *Table) Add(rec Record) {
	t.lines = append(t.lines, rec)
	if _, exists := t.byID.Get(rec); exists {
		t.duplicates++
		return
	}
	t.byID.Set(rec)
}

// Lookup returns the pose stored under exactly id
func (t *Table) Lookup(id string) (neuralvps.Pose, bool) {
	rec, ok := t.byID.Get(Record{ID: id})
	if !ok {
		return neuralvps.NoPose, false
	}
	return rec.Pose, true
}

// LookupSubstring scans records in file order and returns the first line whose
// text contains id. Ids that are substrings of other ids can resolve to the
// wrong capture; prefer Lookup.
func (t *Table) LookupSubstring(id string) (neuralvps.Pose, bool) {
	if id == "" {
		return neuralvps.NoPose, false
	}
	for _, rec := range t.lines {
		if strings.Contains(rec.Text, id) {
			return rec.Pose, true
		}
	}
	return neuralvps.NoPose, false
}

// Len returns the number of distinct ids
func (t *Table) Len() int {
	return t.byID.Len()
}

// Duplicates returns how many records repeated an existing id
func (t *Table) Duplicates() int {
	return t.duplicates
}

// Records returns the distinct records ordered by id
func (t *Table) Records() []Record {
	out := make([]Record, 0, t.byID.Len())
	t.byID.Scan(func(rec Record) bool {
		out = append(out, rec)
		return true
	})
	return out
}

// Lookup resolves ids to poses
type Lookup interface {
	Lookup(id string) (neuralvps.Pose, bool)
}

// SubstringLookup adapts a Table to the legacy substring matching
type SubstringLookup struct {
	Table *Table
}

// Lookup implements Lookup using LookupSubstring
func (s SubstringLookup) Lookup(id string) (neuralvps.Pose, bool) {
	return s.Table.LookupSubstring(id)
}

const earthRadius = 6371008.8

// Haversine returns the great-circle distance between two poses in metres
func Haversine(a, b neuralvps.Pose) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Asin(math.Min(1, math.Sqrt(h)))
}

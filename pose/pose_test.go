package pose

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	neuralvps "github.com/Mineru98/neural-vps-go"
)

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity("/data/dbImg/spherical_2813220026700000_f.jpg")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if id.ID != "2813220026700000" {
		t.Errorf("Expected ID 2813220026700000, got %s", id.ID)
	}
	if id.Prefix != "spherical" || id.Suffix != "f" || id.Ext != "jpg" {
		t.Errorf("Unexpected identity parts: %+v", id)
	}
}

func TestParseIdentityRejectsBadNames(t *testing.T) {
	names := []string{"newquery.jpg", "a_1.jpg", "spherical_abc_f.jpg", ""}
	for _, name := range names {
		if _, err := ParseIdentity(name); !errors.Is(err, neuralvps.ErrBadFilename) {
			t.Errorf("%q: expected ErrBadFilename, got %v", name, err)
		}
	}
}

func TestFilenamesToIDs(t *testing.T) {
	ids := FilenamesToIDs([]string{"spherical_1_f.jpg", "bad.jpg", "x/y/spherical_22_b.png"})
	expected := []string{"1", "", "22"}
	for i := range expected {
		if ids[i] != expected[i] {
			t.Errorf("Index %d: expected %q, got %q", i, expected[i], ids[i])
		}
	}
}

func TestLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poses.txt")
	content := "2813220026700000 40.1 -79.9 270\n\n2813220026800000 40.2 -79.8 90\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	table, err := LoadTable(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if table.Len() != 2 {
		t.Errorf("Expected 2 records, got %d", table.Len())
	}

	p, ok := table.Lookup("2813220026700000")
	if !ok {
		t.Fatal("Expected record to be found")
	}
	if p.Lat != 40.1 || p.Lon != -79.9 || p.Heading != 270 {
		t.Errorf("Expected (40.1, -79.9, 270), got %+v", p)
	}

	p, ok = table.Lookup("9999")
	if ok {
		t.Error("Expected lookup of unknown id to fail")
	}
	if p != neuralvps.NoPose {
		t.Errorf("Expected sentinel (-1, -1, -1), got %+v", p)
	}
}

func TestReadTableRejectsMalformedLines(t *testing.T) {
	_, err := ReadTable(strings.NewReader("1 40.1 -79.9\n"))
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("Expected line 1 error, got %v", err)
	}

	_, err = ReadTable(strings.NewReader("1 40.1 -79.9 270\n2 north -79.9 270\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Expected line 2 error, got %v", err)
	}
}

func TestDuplicateIDKeepsFirstRecord(t *testing.T) {
	table, err := ReadTable(strings.NewReader("7 1 1 1\n7 2 2 2\n"))
	if err != nil {
		t.Fatal(err)
	}
	if table.Duplicates() != 1 {
		t.Errorf("Expected 1 duplicate, got %d", table.Duplicates())
	}
	p, _ := table.Lookup("7")
	if p.Lat != 1 {
		t.Errorf("Expected first record to win, got %+v", p)
	}
}

// The legacy substring lookup resolves "2813" to whichever line mentions it
// first, even though no record has that id. Exact lookup does not.
func TestSubstringCollision(t *testing.T) {
	table, err := ReadTable(strings.NewReader(
		"128130 10 10 0\n2813 20 20 0\n"))
	if err != nil {
		t.Fatal(err)
	}

	legacy, ok := table.LookupSubstring("2813")
	if !ok || legacy.Lat != 10 {
		t.Errorf("Expected substring lookup to collide with line 1, got %+v", legacy)
	}

	exact, ok := table.Lookup("2813")
	if !ok || exact.Lat != 20 {
		t.Errorf("Expected exact lookup to return line 2, got %+v", exact)
	}

	// heading/lat text can also collide
	if p, ok := table.LookupSubstring("20 20"); !ok || p.Lat != 20 {
		t.Errorf("Expected substring match on coordinates, got %+v", p)
	}

	if _, ok := (SubstringLookup{Table: table}).Lookup(""); ok {
		t.Error("Expected empty id not to match")
	}
}

func TestRecordsOrderedByID(t *testing.T) {
	table, err := ReadTable(strings.NewReader("100 0 0 0\n20 0 0 0\n3 0 0 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	records := table.Records()
	expected := []string{"3", "20", "100"}
	for i, rec := range records {
		if rec.ID != expected[i] {
			t.Errorf("Index %d: expected %s, got %s", i, expected[i], rec.ID)
		}
	}
}

func TestHaversine(t *testing.T) {
	a := neuralvps.Pose{Lat: 36.3839003, Lon: 127.3653537}
	if d := Haversine(a, a); d != 0 {
		t.Errorf("Expected 0, got %f", d)
	}

	// one degree of latitude is roughly 111.2 km
	b := neuralvps.Pose{Lat: 37.3839003, Lon: 127.3653537}
	d := Haversine(a, b)
	if math.Abs(d-111195) > 100 {
		t.Errorf("Expected ~111195 m, got %f", d)
	}
}

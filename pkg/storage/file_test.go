package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/HatiCode/voltcast/pkg/aggregate"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return store
}

func TestFileStore_Contract(t *testing.T) {
	testStoreContract(t, newTestFileStore(t), false)
}

func TestNewFileStore_EmptyDir(t *testing.T) {
	if _, err := NewFileStore(""); err == nil {
		t.Fatal("NewFileStore(\"\") expected error")
	}
}

func TestFileStore_TableLayout(t *testing.T) {
	store := newTestFileStore(t)
	if err := store.Put(context.Background(), sampleSnapshot("household")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	dir, found, err := store.runDir("household")
	if err != nil || !found {
		t.Fatalf("runDir() = found %v, error %v", found, err)
	}
	data, err := os.ReadFile(filepath.Join(dir, TableFile))
	if err != nil {
		t.Fatalf("read table: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "dt,zone_A_kwh,zone_B_kwh,zone_C_kwh,total_kwh_est,month" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "2006-12-31,1.5,2.25,17.125,20.875,2006-12" {
		t.Errorf("first row = %q", lines[1])
	}
	if lines[2] != "2007-01-31,0,0,0,0,2007-01" {
		t.Errorf("empty month row = %q", lines[2])
	}

	for _, d := range []string{store.Dir("household"), dir} {
		entries, err := os.ReadDir(d)
		if err != nil {
			t.Fatalf("read dir: %v", err)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") {
				t.Errorf("temporary file left behind: %s", e.Name())
			}
		}
	}
}

func TestFileStore_WithoutManifestIsNotPublished(t *testing.T) {
	store := newTestFileStore(t)
	if err := store.Put(context.Background(), sampleSnapshot("household")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := os.Remove(filepath.Join(store.Dir("household"), ManifestFile)); err != nil {
		t.Fatalf("remove manifest: %v", err)
	}

	_, found, err := store.GetLatest(context.Background(), "household")
	if err != nil {
		t.Fatalf("GetLatest() error = %v", err)
	}
	if found {
		t.Error("GetLatest() served run files without a manifest")
	}
}

func TestFileStore_FailedPutKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	first := sampleSnapshot("household")
	if err := store.Put(ctx, first); err != nil {
		t.Fatalf("Put(first) error = %v", err)
	}

	second := sampleSnapshot("household")
	second.RunID = "run-43"
	second.Months = second.Months[:1]
	second.Trend.Intercept = 99
	store.writeTable = func(io.Writer, []aggregate.Month) error {
		return errors.New("disk full")
	}
	if err := store.Put(ctx, second); err == nil {
		t.Fatal("Put(second) expected error")
	}

	got, found, err := store.GetLatest(ctx, "household")
	if err != nil || !found {
		t.Fatalf("GetLatest() = found %v, error %v", found, err)
	}
	assertSnapshot(t, got, first, false)
	if got.Trend.Intercept != 0 {
		t.Errorf("Trend.Intercept = %v, want the first run's trend", got.Trend.Intercept)
	}

	entries, err := os.ReadDir(filepath.Join(store.Dir("household"), runsDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("%d run directories after a failed put, want 1", len(entries))
	}
}

func TestFileStore_PrunesOldRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestFileStore(t)

	for _, id := range []string{"run-1", "run-2", "run-3", "run-3"} {
		s := sampleSnapshot("household")
		s.RunID = id
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(store.Dir("household"), runsDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != keepRuns {
		t.Errorf("%d run directories, want %d", len(entries), keepRuns)
	}

	got, _, err := store.GetLatest(ctx, "household")
	if err != nil {
		t.Fatalf("GetLatest() error = %v", err)
	}
	if got.RunID != "run-3" {
		t.Errorf("RunID = %q, want run-3", got.RunID)
	}
}

func TestFileStore_MissingTrendOfPublishedRun(t *testing.T) {
	store := newTestFileStore(t)
	if err := store.Put(context.Background(), sampleSnapshot("household")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	dir, _, err := store.runDir("household")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, TrendFile)); err != nil {
		t.Fatal(err)
	}

	if _, _, err := store.GetLatest(context.Background(), "household"); err == nil {
		t.Error("GetLatest() expected error when the manifest's trend is missing")
	}
}

func TestReadTable_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "missing column", input: "dt,zone_A_kwh,zone_B_kwh\n2007-01-31,1,2\n"},
		{name: "bad date", input: "dt,zone_A_kwh,zone_B_kwh,zone_C_kwh\n31/01/2007,1,2,3\n"},
		{name: "bad number", input: "dt,zone_A_kwh,zone_B_kwh,zone_C_kwh\n2007-01-31,one,2,3\n"},
		{name: "short row", input: "dt,zone_A_kwh,zone_B_kwh,zone_C_kwh\n2007-01-31,1,2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadTable(strings.NewReader(tt.input)); err == nil {
				t.Error("ReadTable() expected error")
			}
		})
	}
}

func TestWriteReadTable(t *testing.T) {
	months := sampleSnapshot("household").Months

	var buf bytes.Buffer
	if err := WriteTable(&buf, months); err != nil {
		t.Fatalf("WriteTable() error = %v", err)
	}
	got, err := ReadTable(&buf)
	if err != nil {
		t.Fatalf("ReadTable() error = %v", err)
	}
	if len(got) != len(months) {
		t.Fatalf("ReadTable() returned %d rows, want %d", len(got), len(months))
	}
	for i := range months {
		if got[i].TotalKWhEst() != months[i].TotalKWhEst() || got[i].Label() != months[i].Label() {
			t.Errorf("row %d = %+v, want %+v", i, got[i], months[i])
		}
	}

	empty, err := ReadTable(strings.NewReader(strings.Join(TableHeader, ",") + "\n"))
	if err != nil {
		t.Fatalf("ReadTable(header only) error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("ReadTable(header only) = %v, want no rows", empty)
	}
}

func TestReadTrend_Missing(t *testing.T) {
	_, found, err := ReadTrend(filepath.Join(t.TempDir(), TrendFile))
	if err != nil {
		t.Fatalf("ReadTrend() error = %v", err)
	}
	if found {
		t.Error("ReadTrend() found a missing file")
	}
}

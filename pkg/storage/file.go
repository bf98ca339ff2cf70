package storage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/HatiCode/voltcast/pkg/aggregate"
	"github.com/HatiCode/voltcast/pkg/models"
)

// File names inside a dataset directory.
const (
	TableFile    = "monthly_usage.csv"
	TrendFile    = "trend.json"
	ManifestFile = "snapshot.json"
	runsDir      = "runs"
)

// keepRuns is how many run directories survive a publish: the new one and
// the one readers may still be resolving.
const keepRuns = 2

// TableHeader is the column layout of the published monthly table.
var TableHeader = []string{"dt", "zone_A_kwh", "zone_B_kwh", "zone_C_kwh", "total_kwh_est", "month"}

// FileStore publishes snapshots as flat files under {root}/{dataset}/:
//
//	snapshot.json                      manifest naming the current run
//	runs/{run}/monthly_usage.csv       the monthly table
//	runs/{run}/trend.json              the trend model, absent when none was fitted
//
// Every Put writes a fresh run directory and then renames the manifest into
// place, so readers see either the previous run or the new one in full.
// GetLatest only reads files the manifest points at.
type FileStore struct {
	root string

	// writeTable encodes the monthly table.
	writeTable func(io.Writer, []aggregate.Month) error
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{root: dir, writeTable: WriteTable}, nil
}

// Dir returns the directory holding the files of dataset.
func (f *FileStore) Dir(dataset string) string {
	return filepath.Join(f.root, dataset)
}

type manifest struct {
	Dataset     string    `json:"dataset"`
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Rows        int       `json:"rows"`
	HasTrend    bool      `json:"has_trend"`

	// Run is the directory under runs/ holding this snapshot's files.
	Run string `json:"run"`
}

// Put writes s into a new run directory and swaps the manifest to it. On
// error the previously published snapshot is left untouched.
func (f *FileStore) Put(ctx context.Context, s Snapshot) error {
	if err := ValidateDataset(s.Dataset); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := f.Dir(s.Dataset)
	if err := os.MkdirAll(filepath.Join(dir, runsDir), 0o755); err != nil {
		return fmt.Errorf("create dataset directory: %w", err)
	}

	prefix := "run-"
	if s.RunID != "" && ValidateDataset(s.RunID) == nil {
		prefix = s.RunID + "-"
	}
	runDir, err := os.MkdirTemp(filepath.Join(dir, runsDir), prefix)
	if err != nil {
		return fmt.Errorf("create run directory: %w", err)
	}
	published := false
	defer func() {
		if !published {
			os.RemoveAll(runDir)
		}
	}()

	if err := writeFileAtomic(filepath.Join(runDir, TableFile), func(w io.Writer) error {
		return f.writeTable(w, s.Months)
	}); err != nil {
		return err
	}
	if s.Trend != nil {
		if err := writeFileAtomic(filepath.Join(runDir, TrendFile), func(w io.Writer) error {
			return models.Encode(w, *s.Trend)
		}); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	previous, _, err := f.readManifest(s.Dataset)
	if err != nil {
		previous = manifest{}
	}

	run := filepath.Base(runDir)
	if err := writeFileAtomic(filepath.Join(dir, ManifestFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(manifest{
			Dataset:     s.Dataset,
			RunID:       s.RunID,
			GeneratedAt: s.GeneratedAt,
			Rows:        len(s.Months),
			HasTrend:    s.Trend != nil,
			Run:         run,
		})
	}); err != nil {
		return err
	}
	published = true

	f.pruneRuns(s.Dataset, run, previous.Run)
	return nil
}

// pruneRuns removes run directories other than the current and previous
// ones. Failures are ignored; a leftover directory is never read.
func (f *FileStore) pruneRuns(dataset string, keep ...string) {
	runs := filepath.Join(f.Dir(dataset), runsDir)
	entries, err := os.ReadDir(runs)
	if err != nil {
		return
	}
	kept := make(map[string]bool, keepRuns)
	for _, name := range keep {
		if name != "" && len(kept) < keepRuns {
			kept[name] = true
		}
	}
	for _, e := range entries {
		if e.IsDir() && !kept[e.Name()] {
			os.RemoveAll(filepath.Join(runs, e.Name()))
		}
	}
}

// readManifest loads the manifest of dataset. A missing manifest is
// reported as found == false.
func (f *FileStore) readManifest(dataset string) (manifest, bool, error) {
	data, err := os.ReadFile(filepath.Join(f.Dir(dataset), ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return manifest{}, false, nil
		}
		return manifest{}, false, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, false, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Run == "" || m.Run != filepath.Base(m.Run) || m.Run == "." || m.Run == ".." {
		return manifest{}, false, fmt.Errorf("manifest names invalid run %q", m.Run)
	}
	return m, true, nil
}

// runDir returns the directory of the published run of dataset.
func (f *FileStore) runDir(dataset string) (string, bool, error) {
	m, found, err := f.readManifest(dataset)
	if err != nil || !found {
		return "", found, err
	}
	return filepath.Join(f.Dir(dataset), runsDir, m.Run), true, nil
}

// GetLatest reads the snapshot the manifest of dataset points at. A missing
// manifest means nothing has been published.
func (f *FileStore) GetLatest(ctx context.Context, dataset string) (Snapshot, bool, error) {
	if err := ValidateDataset(dataset); err != nil {
		return Snapshot{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}

	m, found, err := f.readManifest(dataset)
	if err != nil || !found {
		return Snapshot{}, false, err
	}
	dir := filepath.Join(f.Dir(dataset), runsDir, m.Run)

	table, err := os.Open(filepath.Join(dir, TableFile))
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("open monthly table of run %s: %w", m.Run, err)
	}
	defer table.Close()

	months, err := ReadTable(table)
	if err != nil {
		return Snapshot{}, false, err
	}

	s := Snapshot{
		Dataset:     dataset,
		RunID:       m.RunID,
		GeneratedAt: m.GeneratedAt,
		Months:      months,
	}

	if m.HasTrend {
		trend, found, err := ReadTrend(filepath.Join(dir, TrendFile))
		if err != nil {
			return Snapshot{}, false, err
		}
		if !found {
			return Snapshot{}, false, fmt.Errorf("trend of run %s is missing", m.Run)
		}
		s.Trend = &trend
	}

	return s, true, nil
}

// ReadTrend loads a trend artifact from path. A missing file is reported
// as found == false.
func ReadTrend(path string) (models.TrendModel, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.TrendModel{}, false, nil
		}
		return models.TrendModel{}, false, fmt.Errorf("open trend: %w", err)
	}
	defer file.Close()

	m, err := models.Decode(file)
	if err != nil {
		return models.TrendModel{}, false, err
	}
	return m, true, nil
}

// WriteTable writes months as CSV with TableHeader columns.
func WriteTable(w io.Writer, months []aggregate.Month) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(TableHeader); err != nil {
		return fmt.Errorf("write table header: %w", err)
	}
	for _, m := range months {
		if err := cw.Write([]string{
			m.Period.Format(aggregate.DateLayout),
			formatFloat(m.ZoneAKWh),
			formatFloat(m.ZoneBKWh),
			formatFloat(m.ZoneCKWh),
			formatFloat(m.TotalKWhEst()),
			m.Label(),
		}); err != nil {
			return fmt.Errorf("write table row %s: %w", m.Label(), err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTable parses a table written by WriteTable. Columns are located by
// header name; total_kwh_est and month are derived and not read back.
func ReadTable(r io.Reader) ([]aggregate.Month, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read table header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	for _, name := range TableHeader[:4] {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("monthly table missing column %q", name)
		}
	}

	var months []aggregate.Month
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read table row: %w", err)
		}
		if len(rec) != len(header) {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("monthly table line %d: %d fields, want %d", line, len(rec), len(header))
		}

		period, err := time.ParseInLocation(aggregate.DateLayout, rec[index["dt"]], time.UTC)
		if err != nil {
			return nil, fmt.Errorf("monthly table dt %q: %w", rec[index["dt"]], err)
		}
		m := aggregate.Month{Period: period}
		for _, col := range []struct {
			name string
			dst  *float64
		}{
			{"zone_A_kwh", &m.ZoneAKWh},
			{"zone_B_kwh", &m.ZoneBKWh},
			{"zone_C_kwh", &m.ZoneCKWh},
		} {
			v, err := strconv.ParseFloat(rec[index[col.name]], 64)
			if err != nil {
				return nil, fmt.Errorf("monthly table %s %s: %w", m.Label(), col.name, err)
			}
			*col.dst = v
		}
		months = append(months, m)
	}
	return months, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish %s: %w", filepath.Base(path), err)
	}
	return nil
}

package exporters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/HatiCode/voltcast/pkg/storage"
)

// ParquetFileName is the file written per dataset.
const ParquetFileName = "monthly_usage.parquet"

// ParquetExporter writes the monthly table to {dir}/{dataset}/monthly_usage.parquet.
type ParquetExporter struct {
	dir string
}

func NewParquetExporter(dir string) (*ParquetExporter, error) {
	if dir == "" {
		return nil, errors.New("parquet exporter directory cannot be empty")
	}
	return &ParquetExporter{dir: dir}, nil
}

func (p *ParquetExporter) Name() string { return "parquet" }

// Path returns the file written for dataset.
func (p *ParquetExporter) Path(dataset string) string {
	return filepath.Join(p.dir, dataset, ParquetFileName)
}

// Export writes next to the target and renames over it.
func (p *ParquetExporter) Export(ctx context.Context, s storage.Snapshot) error {
	if err := storage.ValidateDataset(s.Dataset); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := p.Path(s.Dataset)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parquet directory: %w", err)
	}

	tmp := path + ".tmp"
	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}
	if err := writeParquet(fw, s); err != nil {
		fw.Close()
		os.Remove(tmp)
		return err
	}
	if err := fw.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close parquet file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish parquet file: %w", err)
	}
	return nil
}

func (p *ParquetExporter) Close() error { return nil }

func writeParquet(fw source.ParquetFile, s storage.Snapshot) error {
	pw, err := writer.NewParquetWriter(fw, new(row), 1)
	if err != nil {
		return fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows(s) {
		if err := pw.Write(r); err != nil {
			pw.WriteStop()
			return fmt.Errorf("write parquet row %s: %w", r.Month, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finalize parquet: %w", err)
	}
	return nil
}

// memFile is a write-only in-memory parquet target.
type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, errors.New("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// encodeParquet renders the snapshot as a parquet file in memory.
func encodeParquet(s storage.Snapshot) ([]byte, error) {
	mem := newMemFile()
	if err := writeParquet(mem, s); err != nil {
		return nil, err
	}
	return mem.Bytes(), nil
}

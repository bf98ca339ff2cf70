package adapters

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/HatiCode/voltcast/pkg/readings"
)

// ctxCheckEvery is how many rows are decoded between context checks.
const ctxCheckEvery = 4096

// FileAdapter reads the raw log from a local file. Files ending in ".gz"
// are decompressed on the fly.
type FileAdapter struct {
	Path string
}

func (f *FileAdapter) Name() string { return "file" }

func (f *FileAdapter) Collect(ctx context.Context) (*Batch, error) {
	if f.Path == "" {
		return nil, errors.New("file adapter: path is required")
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("open raw log: %w", err)
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(f.Path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("open gzip raw log: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	return decodeAll(ctx, r)
}

// decodeAll drains a semicolon-delimited log.
func decodeAll(ctx context.Context, r io.Reader) (*Batch, error) {
	dec, err := readings.NewDecoder(r)
	if err != nil {
		return nil, err
	}

	batch := &Batch{}
	for {
		if len(batch.Readings)%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		raw, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode raw log: %w", err)
		}
		batch.Readings = append(batch.Readings, raw)
	}
	batch.Skipped = dec.Skipped()
	return batch, nil
}

// Package adapters provides the sources the pipeline reads the raw
// minute-resolution power log from.
//
// Each adapter implements the Adapter interface. Available adapters:
//   - FileAdapter: reads the semicolon-delimited log from a local file
//   - HTTPAdapter: downloads the log, or a JSON rendition of it, over HTTP
//
// Adapters only fetch and split rows into fields. Type conversion, missing
// value handling and resampling belong to the readings and aggregate
// packages.
package adapters

import (
	"context"

	"github.com/HatiCode/voltcast/pkg/readings"
)

// Batch is the raw content of one collection.
type Batch struct {
	Readings []readings.RawReading

	// Skipped counts rows the source could not split into the expected
	// fields.
	Skipped int
}

// Adapter is the interface all raw-log sources implement.
//
// Collect is synchronous and must respect context cancellation. A source
// that cannot be parsed at all returns a *readings.FormatError.
type Adapter interface {
	Collect(ctx context.Context) (*Batch, error)

	// Name returns a short identifier such as "file" or "http".
	Name() string
}

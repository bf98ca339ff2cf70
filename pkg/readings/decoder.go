package readings

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Column names of the raw log header.
const (
	ColDate                = "Date"
	ColTime                = "Time"
	ColGlobalActivePower   = "Global_active_power"
	ColGlobalReactivePower = "Global_reactive_power"
	ColVoltage             = "Voltage"
	ColGlobalIntensity     = "Global_intensity"
	ColSubMetering1        = "Sub_metering_1"
	ColSubMetering2        = "Sub_metering_2"
	ColSubMetering3        = "Sub_metering_3"
)

var requiredColumns = []string{
	ColDate, ColTime,
	ColGlobalActivePower, ColGlobalReactivePower, ColVoltage, ColGlobalIntensity,
	ColSubMetering1, ColSubMetering2, ColSubMetering3,
}

// Decoder reads RawReadings from a semicolon-delimited stream.
type Decoder struct {
	r       *csv.Reader
	index   map[string]int
	width   int
	skipped int
}

// NewDecoder reads and validates the header. It returns a *FormatError when
// the header is missing, uses another delimiter, or lacks a required column.
func NewDecoder(r io.Reader) (*Decoder, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &FormatError{Reason: "empty input, header expected"}
		}
		return nil, &FormatError{Line: 1, Reason: fmt.Sprintf("read header: %v", err)}
	}

	if len(header) == 1 {
		return nil, &FormatError{Line: 1, Reason: fmt.Sprintf("header %q is not ';'-delimited", header[0])}
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		index[name] = i
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &FormatError{Line: 1, Reason: "missing columns: " + strings.Join(missing, ", ")}
	}

	return &Decoder{r: cr, index: index, width: len(header)}, nil
}

// Next returns the next row. It returns io.EOF when the stream is exhausted.
// Rows whose field count differs from the header are skipped.
func (d *Decoder) Next() (RawReading, error) {
	for {
		record, err := d.r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return RawReading{}, io.EOF
			}
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				d.skipped++
				continue
			}
			return RawReading{}, fmt.Errorf("read raw log: %w", err)
		}

		if len(record) != d.width {
			d.skipped++
			continue
		}

		line, _ := d.r.FieldPos(0)
		return RawReading{
			Line:                line,
			Date:                d.field(record, ColDate),
			Time:                d.field(record, ColTime),
			GlobalActivePower:   d.field(record, ColGlobalActivePower),
			GlobalReactivePower: d.field(record, ColGlobalReactivePower),
			Voltage:             d.field(record, ColVoltage),
			GlobalIntensity:     d.field(record, ColGlobalIntensity),
			Sub1:                d.field(record, ColSubMetering1),
			Sub2:                d.field(record, ColSubMetering2),
			Sub3:                d.field(record, ColSubMetering3),
		}, nil
	}
}

// Skipped returns how many malformed rows Next has skipped so far.
func (d *Decoder) Skipped() int {
	return d.skipped
}

func (d *Decoder) field(record []string, col string) string {
	return strings.TrimSpace(record[d.index[col]])
}

// ReadAll decodes every row of r.
func ReadAll(r io.Reader) ([]RawReading, error) {
	dec, err := NewDecoder(r)
	if err != nil {
		return nil, err
	}

	var out []RawReading
	for {
		raw, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
}

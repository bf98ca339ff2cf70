// Package readings parses and cleans the raw minute-resolution household
// power log.
//
// The raw log is a semicolon-delimited text file with one row per minute:
//
//	Date;Time;Global_active_power;Global_reactive_power;Voltage;Global_intensity;Sub_metering_1;Sub_metering_2;Sub_metering_3
//	16/12/2006;17:24:00;4.216;0.418;234.840;18.400;0.000;1.000;17.000
//
// Missing cells are marked with "?". Decoding ([NewDecoder], [ReadAll])
// only splits rows into [RawReading] values; [Clean] converts them into
// typed [Reading] values, dropping rows that cannot carry a global active
// power value.
package readings

import (
	"fmt"
	"time"
)

// MissingSentinel marks an absent measurement in the raw log.
const MissingSentinel = "?"

// RawReading is one undecoded row of the raw log.
type RawReading struct {
	// Line is the 1-based line number in the source, header included.
	Line int

	Date string
	Time string

	GlobalActivePower   string
	GlobalReactivePower string
	Voltage             string
	GlobalIntensity     string
	Sub1                string
	Sub2                string
	Sub3                string
}

// Value is a measurement that may be absent.
type Value struct {
	Float float64
	Valid bool
}

// Some returns a present Value.
func Some(f float64) Value {
	return Value{Float: f, Valid: true}
}

// Or returns the value, or def when it is absent.
func (v Value) Or(def float64) float64 {
	if !v.Valid {
		return def
	}
	return v.Float
}

// Reading is a cleaned row. GlobalActivePower is always present; the other
// measurements may be absent.
type Reading struct {
	Timestamp time.Time

	// GlobalActivePower is the minute-averaged active power in kW.
	GlobalActivePower float64

	GlobalReactivePower Value // kW
	Voltage             Value // V
	GlobalIntensity     Value // A

	// Sub-metering channels in watt-hours of active energy for the minute.
	Sub1 Value
	Sub2 Value
	Sub3 Value
}

// FormatError reports raw input that cannot be interpreted at all, such as a
// file using the wrong delimiter or lacking required columns.
type FormatError struct {
	Line   int
	Reason string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("raw log format: line %d: %s", e.Line, e.Reason)
	}
	return "raw log format: " + e.Reason
}

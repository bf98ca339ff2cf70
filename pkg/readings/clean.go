package readings

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// timestampLayouts are tried in order against "<Date> <Time>". The raw log
// is day-first.
var timestampLayouts = []string{
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Stats summarises what Clean kept and dropped.
type Stats struct {
	Raw                 int
	Kept                int
	DroppedMissingPower int
	DroppedBadTimestamp int
	// Duplicates counts records replaced by a later record with the same
	// timestamp.
	Duplicates int
}

// Dropped returns the number of raw records that did not survive cleaning.
func (s Stats) Dropped() int {
	return s.Raw - s.Kept
}

// Clean converts raw rows into Readings.
//
// Measurements that are the "?" sentinel, empty, unparsable, NaN or infinite
// become absent. A row whose global active power is absent is dropped, as is
// a row whose timestamp cannot be parsed. When several rows share a
// timestamp the last one in input order wins. Dropping happens first, so a
// later duplicate without global active power does not replace an earlier
// valid row; it counts as DroppedMissingPower, not as a duplicate. The result
// is sorted by timestamp.
//
// Clean returns a *FormatError only when there were rows but none of them
// had a parsable timestamp.
func Clean(raw []RawReading) ([]Reading, Stats, error) {
	stats := Stats{Raw: len(raw)}

	byTime := make(map[time.Time]int, len(raw))
	out := make([]Reading, 0, len(raw))
	parsedAny := false

	for _, r := range raw {
		ts, ok := parseTimestamp(r.Date, r.Time)
		if !ok {
			stats.DroppedBadTimestamp++
			continue
		}
		parsedAny = true

		power := parseValue(r.GlobalActivePower)
		if !power.Valid {
			stats.DroppedMissingPower++
			continue
		}

		reading := Reading{
			Timestamp:           ts,
			GlobalActivePower:   power.Float,
			GlobalReactivePower: parseValue(r.GlobalReactivePower),
			Voltage:             parseValue(r.Voltage),
			GlobalIntensity:     parseValue(r.GlobalIntensity),
			Sub1:                parseValue(r.Sub1),
			Sub2:                parseValue(r.Sub2),
			Sub3:                parseValue(r.Sub3),
		}

		if i, dup := byTime[ts]; dup {
			out[i] = reading
			stats.Duplicates++
			continue
		}
		byTime[ts] = len(out)
		out = append(out, reading)
	}

	if len(raw) > 0 && !parsedAny {
		return nil, stats, &FormatError{
			Line:   raw[0].Line,
			Reason: "no row has a parsable Date/Time",
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	stats.Kept = len(out)
	return out, stats, nil
}

func parseValue(s string) Value {
	s = strings.TrimSpace(s)
	if s == "" || s == MissingSentinel {
		return Value{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	return Some(f)
}

func parseTimestamp(date, clock string) (time.Time, bool) {
	s := strings.TrimSpace(date) + " " + strings.TrimSpace(clock)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

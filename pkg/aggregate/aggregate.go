// Package aggregate resamples cleaned readings into hourly and then monthly
// energy totals.
//
// Resampling is plain bucketing over a sorted series: every reading is mapped
// to a bucket key, sums accumulate per key, and buckets are emitted in key
// order. Buckets between the first and the last key that received no reading
// are emitted with zero sums, so the monthly table covers every calendar
// month of the input range.
package aggregate

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/HatiCode/voltcast/pkg/readings"
)

// WhPerKWh converts the sub-metering watt-hours to kilowatt-hours.
const WhPerKWh = 1000.0

// Hour holds the sums of one hourly bucket.
type Hour struct {
	Start time.Time

	Sub1 float64 // Wh
	Sub2 float64 // Wh
	Sub3 float64 // Wh

	// GlobalActivePower is the sum of minute-averaged kW values. It is not
	// an energy quantity and is only carried as a diagnostic.
	GlobalActivePower float64

	Readings int
}

// Month is one row of the monthly usage table.
type Month struct {
	// Period is the bucket anchor: midnight of the last day of the month.
	Period time.Time

	ZoneAKWh float64
	ZoneBKWh float64
	ZoneCKWh float64

	// ActivePowerSum is the monthly sum of hourly GlobalActivePower sums.
	// It is diagnostic only and never contributes to TotalKWhEst.
	ActivePowerSum float64
}

// Label returns the YYYY-MM month identifier.
func (m Month) Label() string {
	return m.Period.Format("2006-01")
}

// TotalKWhEst is the estimated monthly energy: the sum of the three zones.
func (m Month) TotalKWhEst() float64 {
	return m.ZoneAKWh + m.ZoneBKWh + m.ZoneCKWh
}

func (m Month) complete() bool {
	for _, v := range []float64{m.ZoneAKWh, m.ZoneBKWh, m.ZoneCKWh, m.ActivePowerSum} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// DateLayout formats Period in the published table.
const DateLayout = "2006-01-02"

type monthJSON struct {
	DT             string  `json:"dt"`
	ZoneAKWh       float64 `json:"zone_A_kwh"`
	ZoneBKWh       float64 `json:"zone_B_kwh"`
	ZoneCKWh       float64 `json:"zone_C_kwh"`
	TotalKWhEst    float64 `json:"total_kwh_est"`
	Month          string  `json:"month"`
	ActivePowerSum float64 `json:"global_active_power_sum"`
}

// MarshalJSON renders the row with the published table's column names.
func (m Month) MarshalJSON() ([]byte, error) {
	rec := monthJSON{
		DT:             m.Period.Format(DateLayout),
		ZoneAKWh:       m.ZoneAKWh,
		ZoneBKWh:       m.ZoneBKWh,
		ZoneCKWh:       m.ZoneCKWh,
		TotalKWhEst:    m.TotalKWhEst(),
		Month:          m.Label(),
		ActivePowerSum: m.ActivePowerSum,
	}
	return json.Marshal(rec)
}

// UnmarshalJSON accepts the MarshalJSON form. total_kwh_est is ignored
// because it is derived from the zones.
func (m *Month) UnmarshalJSON(data []byte) error {
	var rec monthJSON
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	period, err := time.ParseInLocation(DateLayout, rec.DT, time.UTC)
	if err != nil {
		return fmt.Errorf("month dt %q: %w", rec.DT, err)
	}
	*m = Month{
		Period:         period,
		ZoneAKWh:       rec.ZoneAKWh,
		ZoneBKWh:       rec.ZoneBKWh,
		ZoneCKWh:       rec.ZoneCKWh,
		ActivePowerSum: rec.ActivePowerSum,
	}
	return nil
}

// MonthEnd returns the month-end anchor of the month containing t.
func MonthEnd(t time.Time) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return first.AddDate(0, 1, -1)
}

// Hourly buckets readings by the hour they fall in. Absent sub-metering
// values contribute nothing to the sums. Every hour from the first to the
// last bucket is returned, in order; hours without readings have zero sums.
func Hourly(rs []readings.Reading) []Hour {
	if len(rs) == 0 {
		return nil
	}

	buckets := make(map[time.Time]*Hour)
	first, last := rs[0].Timestamp.Truncate(time.Hour), rs[0].Timestamp.Truncate(time.Hour)

	for _, r := range rs {
		key := r.Timestamp.Truncate(time.Hour)
		if key.Before(first) {
			first = key
		}
		if key.After(last) {
			last = key
		}

		h, ok := buckets[key]
		if !ok {
			h = &Hour{Start: key}
			buckets[key] = h
		}
		h.Sub1 += r.Sub1.Or(0)
		h.Sub2 += r.Sub2.Or(0)
		h.Sub3 += r.Sub3.Or(0)
		h.GlobalActivePower += r.GlobalActivePower
		h.Readings++
	}

	n := int(last.Sub(first)/time.Hour) + 1
	out := make([]Hour, 0, n)
	for t := first; !t.After(last); t = t.Add(time.Hour) {
		if h, ok := buckets[t]; ok {
			out = append(out, *h)
			continue
		}
		out = append(out, Hour{Start: t})
	}
	return out
}

// FromHourly sums hourly buckets into calendar months keyed by their
// month-end anchor, converts sub-metering to kWh, and drops any month with
// a non-finite value. Months without hours between the first and last month
// are returned with zero values.
func FromHourly(hs []Hour) []Month {
	if len(hs) == 0 {
		return nil
	}

	type sums struct {
		sub1, sub2, sub3, power float64
	}
	buckets := make(map[time.Time]*sums)
	keys := make([]time.Time, 0)

	for _, h := range hs {
		key := MonthEnd(h.Start)
		s, ok := buckets[key]
		if !ok {
			s = &sums{}
			buckets[key] = s
			keys = append(keys, key)
		}
		s.sub1 += h.Sub1
		s.sub2 += h.Sub2
		s.sub3 += h.Sub3
		s.power += h.GlobalActivePower
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	var out []Month
	for key := keys[0]; !key.After(keys[len(keys)-1]); key = MonthEnd(key.AddDate(0, 0, 1)) {
		m := Month{Period: key}
		if s, ok := buckets[key]; ok {
			m.ZoneAKWh = s.sub1 / WhPerKWh
			m.ZoneBKWh = s.sub2 / WhPerKWh
			m.ZoneCKWh = s.sub3 / WhPerKWh
			m.ActivePowerSum = s.power
		}
		if !m.complete() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Monthly resamples cleaned readings to hourly and then monthly totals.
func Monthly(rs []readings.Reading) []Month {
	return FromHourly(Hourly(rs))
}

// Last returns the trailing n months, or all of them when there are fewer.
func Last(months []Month, n int) []Month {
	if n <= 0 || len(months) <= n {
		return months
	}
	return months[len(months)-n:]
}

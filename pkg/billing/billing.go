// Package billing computes the energy and cost impact of hypothetical
// appliances on a household's monthly bill.
//
// Compute is a pure function of its Request: it performs no I/O and holds no
// state, so it is safe to call from any number of goroutines.
package billing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	// DefaultDaysInMonth is used when a request does not set DaysInMonth.
	DefaultDaysInMonth = 30

	// EnergyPlaces and MoneyPlaces are the output rounding precisions.
	EnergyPlaces = 3
	MoneyPlaces  = 2

	wattsPerKW = 1000.0
)

// ApplianceSpec describes one hypothetical appliance.
type ApplianceSpec struct {
	Name        string
	PowerW      float64
	HoursPerDay float64
	// Days is the number of days the appliance runs. Zero means the
	// request's DaysInMonth.
	Days int
}

// Request is a validated-on-use billing input.
type Request struct {
	ExistingKWh float64
	Rate        float64
	// DaysInMonth defaults to DefaultDaysInMonth when zero.
	DaysInMonth int
	Appliances  []ApplianceSpec
}

// ApplianceImpact is the rounded contribution of one appliance.
type ApplianceImpact struct {
	Name string
	KWh  float64
	Cost float64
}

// Result is a rounded billing computation.
type Result struct {
	PredictedTotalKWh float64
	PredictedBill     float64
	ExtraKWh          float64
	ExtraCost         float64
	Impacts           []ApplianceImpact
}

// ValidationError reports a malformed or out-of-range request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the numeric ranges of r.
func (r Request) Validate() error {
	if !finite(r.ExistingKWh) || r.ExistingKWh < 0 {
		return invalid("existing_kwh", "must be a non-negative number")
	}
	if !finite(r.Rate) || r.Rate <= 0 {
		return invalid("rate", "must be a positive number")
	}
	if r.DaysInMonth < 0 {
		return invalid("days_in_month", "must be a positive integer")
	}
	for i, a := range r.Appliances {
		prefix := fmt.Sprintf("appliances[%d]", i)
		if !finite(a.PowerW) || a.PowerW < 0 {
			return invalid(prefix+".power_w", "must be a non-negative number")
		}
		if !finite(a.HoursPerDay) || a.HoursPerDay < 0 {
			return invalid(prefix+".hours_per_day", "must be a non-negative number")
		}
		if a.Days < 0 {
			return invalid(prefix+".days", "must be a positive integer")
		}
	}
	return nil
}

// Compute returns the predicted bill for r. Arithmetic is carried out at
// full precision; only the returned values are rounded.
func Compute(r Request) (Result, error) {
	if err := r.Validate(); err != nil {
		return Result{}, err
	}

	daysInMonth := r.DaysInMonth
	if daysInMonth == 0 {
		daysInMonth = DefaultDaysInMonth
	}

	impacts := make([]ApplianceImpact, 0, len(r.Appliances))
	extraKWh := 0.0
	for i, a := range r.Appliances {
		days := a.Days
		if days == 0 {
			days = daysInMonth
		}
		kwh := a.PowerW * a.HoursPerDay * float64(days) / wattsPerKW
		cost := kwh * r.Rate
		if !finite(kwh) || !finite(cost) {
			return Result{}, invalid(fmt.Sprintf("appliances[%d].power_w", i), "energy out of range")
		}
		extraKWh += kwh
		impacts = append(impacts, ApplianceImpact{
			Name: a.Name,
			KWh:  round(kwh, EnergyPlaces),
			Cost: round(cost, MoneyPlaces),
		})
	}

	totalKWh := r.ExistingKWh + extraKWh
	bill := totalKWh * r.Rate
	if !finite(bill) {
		return Result{}, invalid("appliances", "predicted bill is out of range")
	}

	return Result{
		PredictedTotalKWh: round(totalKWh, EnergyPlaces),
		PredictedBill:     round(bill, MoneyPlaces),
		ExtraKWh:          round(extraKWh, EnergyPlaces),
		ExtraCost:         round(extraKWh*r.Rate, MoneyPlaces),
		Impacts:           impacts,
	}, nil
}

// Envelope renders the success response body. Slices are []any so the map
// can also be converted to a protobuf Struct.
func (r Result) Envelope() map[string]any {
	impacts := make([]any, 0, len(r.Impacts))
	for _, imp := range r.Impacts {
		impacts = append(impacts, map[string]any{
			"name": imp.Name,
			"kwh":  imp.KWh,
			"cost": imp.Cost,
		})
	}
	return map[string]any{
		"status":              "ok",
		"predicted_total_kwh": r.PredictedTotalKWh,
		"predicted_bill":      r.PredictedBill,
		"extra_kwh":           r.ExtraKWh,
		"extra_cost":          r.ExtraCost,
		"appliance_impacts":   impacts,
	}
}

// round rounds half away from zero on the shortest decimal form of v, so
// 2.675 becomes 2.68 rather than the binary-nearest 2.67.
func round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

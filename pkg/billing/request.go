package billing

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Defaults fills request fields the caller omits.
type Defaults struct {
	ExistingKWh   float64
	Rate          float64
	DaysInMonth   int
	ApplianceName string
}

// StandardDefaults are the defaults of the public billing endpoint.
var StandardDefaults = Defaults{
	ExistingKWh:   0,
	Rate:          8.0,
	DaysInMonth:   DefaultDaysInMonth,
	ApplianceName: "appliance",
}

// DecodeRequest parses a JSON billing payload:
//
//	{"existing_kwh": 100, "rate": 8.0, "days_in_month": 30,
//	 "appliances": [{"name": "heater", "power_w": 2000, "hours_per_day": 2, "days": 30}]}
//
// Numeric fields accept JSON numbers or numeric strings. Missing or null
// fields take their value from d. Every type or range failure is returned as
// a *ValidationError naming the field; no partially decoded request is
// returned.
func DecodeRequest(body []byte, d Defaults) (Request, error) {
	if !gjson.ValidBytes(body) {
		return Request{}, invalid("body", "must be valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Request{}, invalid("body", "must be a JSON object")
	}

	var (
		req Request
		err error
	)
	if req.ExistingKWh, err = number(root.Get("existing_kwh"), "existing_kwh", d.ExistingKWh); err != nil {
		return Request{}, err
	}
	if req.Rate, err = number(root.Get("rate"), "rate", d.Rate); err != nil {
		return Request{}, err
	}
	if req.DaysInMonth, err = positiveInt(root.Get("days_in_month"), "days_in_month", d.DaysInMonth); err != nil {
		return Request{}, err
	}

	list := root.Get("appliances")
	switch {
	case !present(list):
	case !list.IsArray():
		return Request{}, invalid("appliances", "must be an array")
	default:
		for i, item := range list.Array() {
			a, err := decodeAppliance(item, fmt.Sprintf("appliances[%d]", i), req.DaysInMonth, d)
			if err != nil {
				return Request{}, err
			}
			req.Appliances = append(req.Appliances, a)
		}
	}

	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func decodeAppliance(item gjson.Result, prefix string, daysInMonth int, d Defaults) (ApplianceSpec, error) {
	if !item.IsObject() {
		return ApplianceSpec{}, invalid(prefix, "must be an object")
	}

	a := ApplianceSpec{Name: d.ApplianceName}
	if name := item.Get("name"); present(name) {
		if name.Type != gjson.String {
			return ApplianceSpec{}, invalid(prefix+".name", "must be a string")
		}
		a.Name = name.Str
	}

	var err error
	if a.PowerW, err = number(item.Get("power_w"), prefix+".power_w", 0); err != nil {
		return ApplianceSpec{}, err
	}
	if a.HoursPerDay, err = number(item.Get("hours_per_day"), prefix+".hours_per_day", 0); err != nil {
		return ApplianceSpec{}, err
	}
	if a.Days, err = positiveInt(item.Get("days"), prefix+".days", daysInMonth); err != nil {
		return ApplianceSpec{}, err
	}
	return a, nil
}

func present(r gjson.Result) bool {
	return r.Exists() && r.Type != gjson.Null
}

func number(r gjson.Result, field string, def float64) (float64, error) {
	if !present(r) {
		return def, nil
	}

	var (
		v   float64
		err error
	)
	switch r.Type {
	case gjson.Number:
		v, err = strconv.ParseFloat(r.Raw, 64)
	case gjson.String:
		v, err = strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
	default:
		return 0, invalid(field, "must be a number")
	}
	if err != nil || !finite(v) {
		return 0, invalid(field, "must be a number, got %s", r.Raw)
	}
	return v, nil
}

func positiveInt(r gjson.Result, field string, def int) (int, error) {
	if !present(r) {
		return def, nil
	}
	v, err := number(r, field, 0)
	if err != nil {
		return 0, invalid(field, "must be a positive integer, got %s", r.Raw)
	}
	if v != math.Trunc(v) || v < 1 || v > math.MaxInt32 {
		return 0, invalid(field, "must be a positive integer, got %s", r.Raw)
	}
	return int(v), nil
}

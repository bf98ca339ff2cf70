package billing

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
)

func TestCompute_Scenarios(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		want    Result
		wantErr bool
	}{
		{
			name: "single appliance energy and cost",
			req: Request{
				Rate:       8.0,
				Appliances: []ApplianceSpec{{Name: "heater", PowerW: 2000, HoursPerDay: 2, Days: 30}},
			},
			want: Result{
				PredictedTotalKWh: 120,
				PredictedBill:     960,
				ExtraKWh:          120,
				ExtraCost:         960,
				Impacts:           []ApplianceImpact{{Name: "heater", KWh: 120, Cost: 960}},
			},
		},
		{
			name: "existing usage plus appliance",
			req: Request{
				ExistingKWh: 100,
				Rate:        8.0,
				Appliances:  []ApplianceSpec{{Name: "heater", PowerW: 2000, HoursPerDay: 2, Days: 30}},
			},
			want: Result{
				PredictedTotalKWh: 220,
				PredictedBill:     1760,
				ExtraKWh:          120,
				ExtraCost:         960,
				Impacts:           []ApplianceImpact{{Name: "heater", KWh: 120, Cost: 960}},
			},
		},
		{
			name: "no appliances",
			req:  Request{ExistingKWh: 50, Rate: 6.5},
			want: Result{
				PredictedTotalKWh: 50,
				PredictedBill:     325,
				Impacts:           []ApplianceImpact{},
			},
		},
		{
			name: "days default to days in month",
			req: Request{
				Rate:        1,
				DaysInMonth: 28,
				Appliances: []ApplianceSpec{
					{Name: "kettle", PowerW: 1000, HoursPerDay: 1},
					{Name: "fan", PowerW: 100, HoursPerDay: 10, Days: 7},
				},
			},
			want: Result{
				PredictedTotalKWh: 35,
				PredictedBill:     35,
				ExtraKWh:          35,
				ExtraCost:         35,
				Impacts: []ApplianceImpact{
					{Name: "kettle", KWh: 28, Cost: 28},
					{Name: "fan", KWh: 7, Cost: 7},
				},
			},
		},
		{
			name: "zero days in month uses thirty",
			req: Request{
				Rate:       2,
				Appliances: []ApplianceSpec{{Name: "lamp", PowerW: 10, HoursPerDay: 5}},
			},
			want: Result{
				PredictedTotalKWh: 1.5,
				PredictedBill:     3,
				ExtraKWh:          1.5,
				ExtraCost:         3,
				Impacts:           []ApplianceImpact{{Name: "lamp", KWh: 1.5, Cost: 3}},
			},
		},
		{
			name:    "zero rate",
			req:     Request{ExistingKWh: 10},
			wantErr: true,
		},
		{
			name:    "negative existing",
			req:     Request{ExistingKWh: -1, Rate: 1},
			wantErr: true,
		},
		{
			name: "negative power",
			req: Request{
				Rate:       1,
				Appliances: []ApplianceSpec{{PowerW: -5, HoursPerDay: 1}},
			},
			wantErr: true,
		},
		{
			name:    "infinite rate",
			req:     Request{Rate: math.Inf(1)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compute(tt.req)
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("Compute() error = %v, want *ValidationError", err)
				}
				if !reflect.DeepEqual(got, Result{}) {
					t.Errorf("Compute() returned partial result %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Compute() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Compute() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCompute_ValidationFieldPath(t *testing.T) {
	req := Request{
		Rate: 1,
		Appliances: []ApplianceSpec{
			{PowerW: 1, HoursPerDay: 1},
			{PowerW: 1, HoursPerDay: -1},
		},
	}

	_, err := Compute(req)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Compute() error = %v, want *ValidationError", err)
	}
	if verr.Field != "appliances[1].hours_per_day" {
		t.Errorf("Field = %q, want appliances[1].hours_per_day", verr.Field)
	}
}

func TestCompute_EnergyOverflow(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{
			name: "energy overflows",
			req:  Request{Rate: 8, Appliances: []ApplianceSpec{{PowerW: 1e308, HoursPerDay: 10}}},
		},
		{
			name: "cost overflows",
			req:  Request{Rate: 1e300, Appliances: []ApplianceSpec{{PowerW: 1e300, HoursPerDay: 1}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Compute() error = %v, want *ValidationError", err)
			}
			if verr.Field != "appliances[0].power_w" {
				t.Errorf("Field = %q, want appliances[0].power_w", verr.Field)
			}
		})
	}
}

func TestCompute_RoundsOutputOnly(t *testing.T) {
	// 3 appliances of 0.0004 kWh each: each rounds to 0 on its own while
	// the sum rounds to 0.001.
	req := Request{
		Rate: 1,
		Appliances: []ApplianceSpec{
			{PowerW: 0.4, HoursPerDay: 1, Days: 1},
			{PowerW: 0.4, HoursPerDay: 1, Days: 1},
			{PowerW: 0.4, HoursPerDay: 1, Days: 1},
		},
	}

	got, err := Compute(req)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if got.ExtraKWh != 0.001 {
		t.Errorf("ExtraKWh = %v, want 0.001", got.ExtraKWh)
	}
	if got.Impacts[0].KWh != 0 {
		t.Errorf("impact KWh = %v, want 0", got.Impacts[0].KWh)
	}
}

func TestRound(t *testing.T) {
	tests := []struct {
		in     float64
		places int32
		want   float64
	}{
		{in: 2.675, places: 2, want: 2.68},
		{in: 1.0005, places: 3, want: 1.001},
		{in: 960.0000001, places: 2, want: 960},
		{in: 0.125, places: 2, want: 0.13},
		{in: 0, places: 3, want: 0},
	}

	for _, tt := range tests {
		if got := round(tt.in, tt.places); got != tt.want {
			t.Errorf("round(%v, %d) = %v, want %v", tt.in, tt.places, got, tt.want)
		}
	}
}

func TestCompute_NonNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		req := Request{
			ExistingKWh: rng.Float64() * 1000,
			Rate:        0.01 + rng.Float64()*20,
			DaysInMonth: 1 + rng.Intn(31),
		}
		for j := rng.Intn(5); j > 0; j-- {
			req.Appliances = append(req.Appliances, ApplianceSpec{
				PowerW:      rng.Float64() * 5000,
				HoursPerDay: rng.Float64() * 24,
				Days:        rng.Intn(31),
			})
		}

		got, err := Compute(req)
		if err != nil {
			t.Fatalf("Compute(%+v) error = %v", req, err)
		}
		if got.PredictedTotalKWh < 0 || got.PredictedBill < 0 || got.ExtraKWh < 0 || got.ExtraCost < 0 {
			t.Fatalf("Compute(%+v) = %+v, negative field", req, got)
		}
		for _, imp := range got.Impacts {
			if imp.KWh < 0 || imp.Cost < 0 {
				t.Fatalf("negative impact %+v", imp)
			}
		}
	}
}

func TestResult_Envelope(t *testing.T) {
	res := Result{
		PredictedTotalKWh: 220,
		PredictedBill:     1760,
		ExtraKWh:          120,
		ExtraCost:         960,
		Impacts:           []ApplianceImpact{{Name: "heater", KWh: 120, Cost: 960}},
	}

	env := res.Envelope()
	if env["status"] != "ok" {
		t.Errorf("status = %v, want ok", env["status"])
	}
	if env["predicted_bill"] != 1760.0 {
		t.Errorf("predicted_bill = %v, want 1760", env["predicted_bill"])
	}
	impacts, ok := env["appliance_impacts"].([]any)
	if !ok || len(impacts) != 1 {
		t.Fatalf("appliance_impacts = %#v", env["appliance_impacts"])
	}
	first := impacts[0].(map[string]any)
	if first["name"] != "heater" || first["kwh"] != 120.0 || first["cost"] != 960.0 {
		t.Errorf("impact = %v", first)
	}
}

package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/HatiCode/voltcast/pkg/readings"
)

func TestHTTPAdapter_CSV(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, sampleLog)
	}))
	defer server.Close()

	adapter := &HTTPAdapter{URL: server.URL}
	batch, err := adapter.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if len(batch.Readings) != 3 {
		t.Fatalf("expected 3 readings, got %d", len(batch.Readings))
	}
	if batch.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", batch.Skipped)
	}
}

func TestHTTPAdapter_JSON(t *testing.T) {
	body := `{
        "data": [
            {"Date": "16/12/2006", "Time": "17:24:00", "Global_active_power": 4.216, "Global_reactive_power": 0.418,
             "Voltage": 234.84, "Global_intensity": 18.4, "Sub_metering_1": 0, "Sub_metering_2": 1, "Sub_metering_3": 17},
            {"Date": "16/12/2006", "Time": "17:25:00", "Global_active_power": null, "Voltage": "?"},
            "garbage"
        ]
    }`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("expected Accept: application/json header")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	adapter := &HTTPAdapter{URL: server.URL, Format: FormatJSON, RowsPath: "data"}
	batch, err := adapter.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if len(batch.Readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(batch.Readings))
	}
	if batch.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", batch.Skipped)
	}

	first := batch.Readings[0]
	if first.GlobalActivePower != "4.216" || first.Sub3 != "17" || first.Voltage != "234.84" {
		t.Errorf("first reading = %+v", first)
	}

	second := batch.Readings[1]
	if second.GlobalActivePower != readings.MissingSentinel {
		t.Errorf("null field = %q, want %q", second.GlobalActivePower, readings.MissingSentinel)
	}
	if second.Sub1 != readings.MissingSentinel {
		t.Errorf("absent field = %q, want %q", second.Sub1, readings.MissingSentinel)
	}
	if second.Voltage != "?" {
		t.Errorf("Voltage = %q", second.Voltage)
	}
}

func TestHTTPAdapter_JSONFormatErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"data": [`},
		{"missing path", `{"rows": []}`},
		{"not an array", `{"data": {"Date": "16/12/2006"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			_, err := (&HTTPAdapter{URL: server.URL, Format: FormatJSON, RowsPath: "data"}).Collect(context.Background())
			var ferr *readings.FormatError
			if !errors.As(err, &ferr) {
				t.Errorf("expected *readings.FormatError, got %v", err)
			}
		})
	}
}

func TestHTTPAdapter_TemplatedHeaders(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, sampleLog)
	}))
	defer server.Close()

	adapter := &HTTPAdapter{
		URL:          server.URL,
		Headers:      map[string]string{"Authorization": "Bearer {{.Token}}"},
		TemplateVars: map[string]string{"Token": "abc123"},
	}
	if _, err := adapter.Collect(context.Background()); err != nil {
		t.Fatalf("Collect error: %v", err)
	}
	if gotAuth != "Bearer abc123" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer abc123")
	}
}

func TestHTTPAdapter_MissingTemplateVar(t *testing.T) {
	adapter := &HTTPAdapter{
		URL:     "http://127.0.0.1:1",
		Headers: map[string]string{"Authorization": "Bearer {{.Token}}"},
	}
	if _, err := adapter.Collect(context.Background()); err == nil {
		t.Error("expected error for missing template variable")
	}
}

func TestHTTPAdapter_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	if _, err := (&HTTPAdapter{URL: server.URL}).Collect(context.Background()); err == nil {
		t.Error("expected error on 404")
	}
}

func TestHTTPAdapter_Validation(t *testing.T) {
	if _, err := (&HTTPAdapter{}).Collect(context.Background()); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := (&HTTPAdapter{URL: "http://x", Format: FormatJSON}).Collect(context.Background()); err == nil {
		t.Error("expected error for json format without RowsPath")
	}
}

func TestRenderTemplate(t *testing.T) {
	got, err := renderTemplate("plain", nil)
	if err != nil || got != "plain" {
		t.Errorf("renderTemplate(plain) = %q, %v", got, err)
	}
	got, err = renderTemplate("{{.A}}-{{.B}}", map[string]string{"A": "x", "B": "y"})
	if err != nil || got != "x-y" {
		t.Errorf("renderTemplate = %q, %v", got, err)
	}
	if _, err := renderTemplate("{{.A", nil); err == nil {
		t.Error("expected parse error")
	}
}

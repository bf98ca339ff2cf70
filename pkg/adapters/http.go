package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"

	"github.com/HatiCode/voltcast/pkg/readings"
)

// Response formats understood by HTTPAdapter.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// HTTPAdapter downloads the raw log from an HTTP endpoint.
//
// With Format "csv" (the default) the body is the semicolon-delimited log
// itself. With Format "json" the body is a JSON document and RowsPath is a
// gjson path to an array of objects keyed by the raw column names:
//
//	{"data": [{"Date": "16/12/2006", "Time": "17:24:00", "Global_active_power": 4.216, ...}]}
//
// Header values may use template variables from TemplateVars, e.g.
// "Bearer {{.Token}}".
type HTTPAdapter struct {
	// URL is the endpoint to call (required)
	URL string

	// Headers are custom HTTP headers to include in the request.
	Headers map[string]string

	// Format is "csv" or "json". Defaults to csv.
	Format string

	// RowsPath is the gjson path to the row array for the json format.
	RowsPath string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client

	// TemplateVars are custom variables available in header templates.
	TemplateVars map[string]string
}

func (h *HTTPAdapter) Name() string { return "http" }

// Collect fetches the log and splits it into raw rows.
func (h *HTTPAdapter) Collect(ctx context.Context) (*Batch, error) {
	if h.URL == "" {
		return nil, errors.New("http adapter: URL is required")
	}
	format := h.Format
	if format == "" {
		format = FormatCSV
	}
	if format == FormatJSON && h.RowsPath == "" {
		return nil, errors.New("http adapter: RowsPath is required for the json format")
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 60 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if format == FormatJSON {
		req.Header.Set("Accept", "application/json")
	} else {
		req.Header.Set("Accept", "text/csv, text/plain")
	}
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, h.TemplateVars)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	switch format {
	case FormatCSV:
		return decodeAll(ctx, resp.Body)
	case FormatJSON:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return h.decodeJSON(body)
	default:
		return nil, fmt.Errorf("http adapter: unsupported format %q", format)
	}
}

func (h *HTTPAdapter) decodeJSON(body []byte) (*Batch, error) {
	if !gjson.ValidBytes(body) {
		return nil, &readings.FormatError{Reason: "response is not valid JSON"}
	}
	rows := gjson.GetBytes(body, h.RowsPath)
	if !rows.Exists() {
		return nil, &readings.FormatError{Reason: fmt.Sprintf("rows path %q not found in response", h.RowsPath)}
	}
	if !rows.IsArray() {
		return nil, &readings.FormatError{Reason: fmt.Sprintf("rows path %q is not an array", h.RowsPath)}
	}

	batch := &Batch{}
	for i, row := range rows.Array() {
		if !row.IsObject() {
			batch.Skipped++
			continue
		}
		batch.Readings = append(batch.Readings, readings.RawReading{
			Line:                i + 1,
			Date:                jsonField(row, readings.ColDate),
			Time:                jsonField(row, readings.ColTime),
			GlobalActivePower:   jsonField(row, readings.ColGlobalActivePower),
			GlobalReactivePower: jsonField(row, readings.ColGlobalReactivePower),
			Voltage:             jsonField(row, readings.ColVoltage),
			GlobalIntensity:     jsonField(row, readings.ColGlobalIntensity),
			Sub1:                jsonField(row, readings.ColSubMetering1),
			Sub2:                jsonField(row, readings.ColSubMetering2),
			Sub3:                jsonField(row, readings.ColSubMetering3),
		})
	}
	return batch, nil
}

// jsonField returns a column as text. Missing and null values become the
// missing-value sentinel.
func jsonField(row gjson.Result, col string) string {
	v := row.Get(col)
	if !v.Exists() || v.Type == gjson.Null {
		return readings.MissingSentinel
	}
	return strings.TrimSpace(v.String())
}

// renderTemplate renders a text template with the given data
func renderTemplate(tmplStr string, data map[string]string) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

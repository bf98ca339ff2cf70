package adapters

import (
	"encoding/json"
	"fmt"
)

// New creates an adapter based on kind and generic configuration map.
//
// Supported kinds:
//   - "file": local raw log, requires "path"
//   - "http": remote raw log, requires "url"; optional "format", "rowsPath",
//     "headers" and "templateVars" (the last two as JSON objects)
//
// Returns error if kind is unknown or required fields are missing.
func New(kind string, config map[string]string) (Adapter, error) {
	switch kind {
	case "file":
		return newFile(config)
	case "http":
		return newHTTP(config)
	default:
		return nil, fmt.Errorf("unknown adapter kind: %s (must be file or http)", kind)
	}
}

func newFile(config map[string]string) (Adapter, error) {
	path := config["path"]
	if path == "" {
		return nil, fmt.Errorf("file adapter requires 'path' config")
	}
	return &FileAdapter{Path: path}, nil
}

// newHTTP creates an HTTP adapter from generic config.
func newHTTP(config map[string]string) (Adapter, error) {
	url := config["url"]
	if url == "" {
		return nil, fmt.Errorf("http adapter requires 'url' config")
	}

	format := config["format"]
	if format == "" {
		format = FormatCSV
	}
	switch format {
	case FormatCSV:
	case FormatJSON:
		if config["rowsPath"] == "" {
			return nil, fmt.Errorf("http adapter with json format requires 'rowsPath' config")
		}
	default:
		return nil, fmt.Errorf("http adapter: unsupported format %q (must be csv or json)", format)
	}

	var headers map[string]string
	if headersJSON := config["headers"]; headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}

	var templateVars map[string]string
	if varsJSON := config["templateVars"]; varsJSON != "" {
		if err := json.Unmarshal([]byte(varsJSON), &templateVars); err != nil {
			return nil, fmt.Errorf("invalid 'templateVars' JSON: %w", err)
		}
	}

	return &HTTPAdapter{
		URL:          url,
		Headers:      headers,
		Format:       format,
		RowsPath:     config["rowsPath"],
		TemplateVars: templateVars,
	}, nil
}

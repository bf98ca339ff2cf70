// Package settings layers the configuration sources shared by the voltcast
// binaries.
//
// Precedence, highest first:
//  1. Command-line flags
//  2. Environment variables (after loading an optional .env file)
//  3. An optional YAML file named by -config-file or CONFIG_FILE
//  4. Built-in defaults
//
// Binaries define their flags with defaults taken from a Source, so flags
// given on the command line override everything else:
//
//	src, err := settings.Load(args, ".env")
//	fs.StringVar(&cfg.Dataset, "dataset", src.String("dataset", "DATASET", "household"), "Dataset name")
//
// YAML keys are flag names. Lists are joined with commas; nested mappings
// are read with Map.
package settings

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigFileFlag names the flag that points at the YAML file.
const ConfigFileFlag = "config-file"

// Source resolves a setting from the environment, the YAML file and a
// built-in default.
type Source struct {
	path   string
	values map[string]string
	maps   map[string]map[string]string
	errs   []error
}

// Load reads the given .env files when they exist, then the YAML file named
// by -config-file in args (or CONFIG_FILE). Variables already present in the
// environment are not overwritten by .env files.
func Load(args []string, envFiles ...string) (*Source, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	src := &Source{
		values: map[string]string{},
		maps:   map[string]map[string]string{},
	}

	path := configFileArg(args)
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		return src, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := src.parse(data); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	src.path = path
	return src, nil
}

// Path returns the YAML file in use, or "".
func (s *Source) Path() string {
	return s.path
}

func (s *Source) parse(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}

	for key, v := range raw {
		switch val := v.(type) {
		case nil:
		case map[string]any:
			m := make(map[string]string, len(val))
			for k, inner := range val {
				str, err := scalar(inner)
				if err != nil {
					return fmt.Errorf("%s.%s: %w", key, k, err)
				}
				m[k] = str
			}
			s.maps[key] = m
		case []any:
			parts := make([]string, 0, len(val))
			for i, inner := range val {
				str, err := scalar(inner)
				if err != nil {
					return fmt.Errorf("%s[%d]: %w", key, i, err)
				}
				parts = append(parts, str)
			}
			s.values[key] = strings.Join(parts, ",")
		default:
			str, err := scalar(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			s.values[key] = str
		}
	}
	return nil
}

func scalar(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(val), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}

func (s *Source) lookup(name, env string) (string, string, bool) {
	if env != "" {
		if v := os.Getenv(env); v != "" {
			return v, env, true
		}
	}
	if v, ok := s.values[name]; ok {
		return v, s.path + ":" + name, true
	}
	return "", "", false
}

// String resolves a string setting.
func (s *Source) String(name, env, def string) string {
	if v, _, ok := s.lookup(name, env); ok {
		return v
	}
	return def
}

// Int resolves an integer setting. Unparsable values are reported by Check.
func (s *Source) Int(name, env string, def int) int {
	v, from, ok := s.lookup(name, env)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: invalid integer %q", from, v))
		return def
	}
	return i
}

// Float resolves a float setting.
func (s *Source) Float(name, env string, def float64) float64 {
	v, from, ok := s.lookup(name, env)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: invalid number %q", from, v))
		return def
	}
	return f
}

// Bool resolves a boolean setting.
func (s *Source) Bool(name, env string, def bool) bool {
	v, from, ok := s.lookup(name, env)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: invalid boolean %q", from, v))
		return def
	}
	return b
}

// Duration resolves a duration setting such as "30s".
func (s *Source) Duration(name, env string, def time.Duration) time.Duration {
	v, from, ok := s.lookup(name, env)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		s.errs = append(s.errs, fmt.Errorf("%s: invalid duration %q", from, v))
		return def
	}
	return d
}

// Map returns a nested YAML mapping overlaid with environment variables
// carrying envPrefix, e.g. ADAPTER_ROWS_PATH becomes "rowsPath".
func (s *Source) Map(name, envPrefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range s.maps[name] {
		out[k] = v
	}
	if envPrefix != "" {
		for k, v := range Prefixed(envPrefix) {
			out[k] = v
		}
	}
	return out
}

// Check reports values that failed to parse and YAML keys that do not name
// a flag in fs.
func (s *Source) Check(fs *flag.FlagSet, mapKeys ...string) error {
	errs := append([]error(nil), s.errs...)

	allowed := make(map[string]bool, len(mapKeys))
	for _, k := range mapKeys {
		allowed[k] = true
	}

	var unknown []string
	for key := range s.values {
		if fs.Lookup(key) == nil {
			unknown = append(unknown, key)
		}
	}
	for key := range s.maps {
		if !allowed[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		errs = append(errs, fmt.Errorf("%s: unknown keys: %s", s.path, strings.Join(unknown, ", ")))
	}
	return errors.Join(errs...)
}

// Prefixed collects environment variables carrying prefix into a map keyed
// by the lowerCamelCase remainder of the name (ADAPTER_ROWS_PATH → rowsPath).
func Prefixed(prefix string) map[string]string {
	out := make(map[string]string)
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
			continue
		}
		out[toLowerCamelCase(key[len(prefix):])] = value
	}
	return out
}

func toLowerCamelCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	nextUpper := false
	for _, r := range s {
		switch {
		case r == '_':
			nextUpper = b.Len() > 0
		case nextUpper:
			b.WriteRune(toUpper(r))
			nextUpper = false
		default:
			b.WriteRune(toLower(r))
		}
	}
	return b.String()
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + 32
	}
	return r
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - 32
	}
	return r
}

// configFileArg finds -config-file in args without parsing the rest.
func configFileArg(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if v, ok := strings.CutPrefix(name, ConfigFileFlag+"="); ok {
			return v
		}
		if name == ConfigFileFlag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

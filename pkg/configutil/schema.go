package configutil

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// ErrInvalidSettings is matched by every *SettingsError.
var ErrInvalidSettings = errors.New("invalid settings")

// Schema defines the keys a vendor settings map may carry.
type Schema struct {
	Required []string
	Optional []string
	// Enums limits string values of the named keys (compared case-insensitively).
	Enums        map[string][]string
	AllowUnknown bool
}

// SettingsError lists every problem found in one settings map.
type SettingsError struct {
	Missing []string
	Unknown []string
	Invalid []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(e.Invalid, ", "))
	}
	return strings.Join(parts, "; ")
}

func (e *SettingsError) Unwrap() error { return ErrInvalidSettings }

// Validate checks input against schema and prefixes failures with the config
// path, e.g. "vendors.llm.settings".
func Validate(path string, input map[string]any, schema Schema) error {
	if err := ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// ValidateSettings validates a settings map against a schema. Keys match
// regardless of case, underscores and hyphens.
func ValidateSettings(input map[string]any, schema Schema) error {
	known := make(map[string]string, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = k
	}
	for _, k := range schema.Required {
		known[normalizeKey(k)] = k
	}
	enums := make(map[string][]string, len(schema.Enums))
	for k, values := range schema.Enums {
		enums[normalizeKey(k)] = values
	}

	var serr SettingsError
	present := make(map[string]any, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = v
		if _, ok := known[nk]; !ok && !schema.AllowUnknown {
			serr.Unknown = append(serr.Unknown, k)
			continue
		}
		if allowed, ok := enums[nk]; ok && !isEmptyValue(v) {
			s, isString := v.(string)
			if !isString || !slices.ContainsFunc(allowed, func(a string) bool { return strings.EqualFold(a, strings.TrimSpace(s)) }) {
				serr.Invalid = append(serr.Invalid, fmt.Sprintf("%s=%v (want %s)", k, v, strings.Join(allowed, "|")))
			}
		}
	}
	for _, k := range schema.Required {
		if v, ok := present[normalizeKey(k)]; !ok || isEmptyValue(v) {
			serr.Missing = append(serr.Missing, k)
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 && len(serr.Invalid) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	sort.Strings(serr.Invalid)
	return &serr
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

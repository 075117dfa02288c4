package configutil

import (
	"fmt"
	"sort"
	"strings"
)

// Schema defines required and optional keys for a vendor settings map.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// Validate checks input against the schema. Keys are matched
// case/underscore/hyphen insensitively; path prefixes the error.
func (s Schema) Validate(path string, input map[string]any) error {
	known := make(map[string]bool, len(s.Required)+len(s.Optional))
	for _, k := range s.Optional {
		known[normalizeKey(k)] = false
	}
	for _, k := range s.Required {
		known[normalizeKey(k)] = true
	}

	present := make(map[string]bool, len(input))
	var unknown []string
	for k, v := range input {
		nk := normalizeKey(k)
		if _, ok := known[nk]; !ok && !s.AllowUnknown {
			unknown = append(unknown, k)
		}
		if !isEmptyValue(v) {
			present[nk] = true
		}
	}
	var missing []string
	for _, k := range s.Required {
		if !present[normalizeKey(k)] {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return fmt.Errorf("%s: %s", path, strings.Join(parts, "; "))
}

// Decode validates input and decodes it into out.
func (s Schema) Decode(path string, input map[string]any, out any) error {
	if err := s.Validate(path, input); err != nil {
		return err
	}
	if err := DecodeSettings(input, out); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
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

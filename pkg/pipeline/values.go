package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrInvalidValue is matched by every error returned from CheckFieldValue.
var ErrInvalidValue = errors.New("invalid field value")

// ListEntry is one row of a dynamic-list value, keyed by sub-field id.
type ListEntry map[string]string

// DecodeDynamicList parses a dynamic-list value: a JSON array of flat objects
// whose members are strings. Non-string scalars are kept in their JSON text
// form. An empty value decodes to no entries.
func DecodeDynamicList(value string) ([]ListEntry, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	if !gjson.Valid(value) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidValue)
	}
	root := gjson.Parse(value)
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: dynamic list must be a JSON array", ErrInvalidValue)
	}

	var (
		entries []ListEntry
		bad     error
	)
	root.ForEach(func(idx, item gjson.Result) bool {
		if !item.IsObject() {
			bad = fmt.Errorf("%w: entry %d is not an object", ErrInvalidValue, len(entries))
			return false
		}
		entry := ListEntry{}
		item.ForEach(func(k, v gjson.Result) bool {
			if v.IsObject() || v.IsArray() {
				bad = fmt.Errorf("%w: entry %d member %q is not flat", ErrInvalidValue, len(entries), k.String())
				return false
			}
			if v.Type == gjson.String {
				entry[k.String()] = v.Str
			} else {
				entry[k.String()] = v.Raw
			}
			return true
		})
		if bad != nil {
			return false
		}
		entries = append(entries, entry)
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return entries, nil
}

// EncodeDynamicList renders entries as a JSON array. Members follow the order
// of subfields; keys not named there come after, sorted.
func EncodeDynamicList(entries []ListEntry, subfields []Field) (string, error) {
	out := "[]"
	for i, entry := range entries {
		// An entry with no members still occupies its slot.
		if len(entry) == 0 {
			var err error
			if out, err = sjson.SetRaw(out, strconv.Itoa(i), "{}"); err != nil {
				return "", fmt.Errorf("encode entry %d: %w", i, err)
			}
			continue
		}
		for _, key := range entryKeys(entry, subfields) {
			var err error
			out, err = sjson.Set(out, strconv.Itoa(i)+"."+escapePath(key), entry[key])
			if err != nil {
				return "", fmt.Errorf("encode entry %d member %q: %w", i, key, err)
			}
		}
	}
	return out, nil
}

func entryKeys(entry ListEntry, subfields []Field) []string {
	keys := make([]string, 0, len(entry))
	seen := map[string]bool{}
	for _, f := range subfields {
		if _, ok := entry[f.ID]; ok {
			keys = append(keys, f.ID)
			seen[f.ID] = true
		}
	}
	var rest []string
	for k := range entry {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

// escapePath escapes gjson/sjson path metacharacters in a member name.
func escapePath(key string) string {
	var sb strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// CheckFieldValue enforces the per-kind submission rules: required fields are
// non-blank, and dynamic-list values decode, name only declared sub-fields and
// fill required sub-fields. A required dynamic list needs at least one entry.
func CheckFieldValue(f Field, value string) error {
	if f.Kind != FieldKindDynamicList {
		if f.Required && strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: field %q is required", ErrInvalidValue, f.ID)
		}
		return nil
	}

	entries, err := DecodeDynamicList(value)
	if err != nil {
		return fmt.Errorf("field %q: %w", f.ID, err)
	}
	if f.Required && len(entries) == 0 {
		return fmt.Errorf("%w: field %q needs at least one entry", ErrInvalidValue, f.ID)
	}
	known := map[string]Field{}
	for _, sf := range f.Subfields {
		known[sf.ID] = sf
	}
	for i, entry := range entries {
		for k := range entry {
			if _, ok := known[k]; !ok && len(known) > 0 {
				return fmt.Errorf("%w: field %q entry %d has unknown sub-field %q", ErrInvalidValue, f.ID, i, k)
			}
		}
		for _, sf := range f.Subfields {
			if sf.Required && strings.TrimSpace(entry[sf.ID]) == "" {
				return fmt.Errorf("%w: field %q entry %d is missing %q", ErrInvalidValue, f.ID, i, sf.ID)
			}
		}
	}
	return nil
}

package pipeline

import (
	"fmt"
	"strings"
)

// ParseFieldSpec parses the compact field syntax used in DOT node attributes:
//
//	title:text:required; notes:long-text; items:dynamic-list(name:text,qty:text)
//
// Each entry is id:kind[:required]. A dynamic-list kind takes its sub-fields
// in parentheses, separated by commas. Labels default to the id.
func ParseFieldSpec(src string) ([]Field, error) {
	var fields []Field
	for _, entry := range splitTopLevel(src, ';') {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		f, err := parseFieldEntry(entry)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func parseFieldEntry(entry string) (Field, error) {
	var sub []Field
	if open := strings.IndexByte(entry, '('); open >= 0 {
		end := strings.LastIndexByte(entry, ')')
		if end < open {
			return Field{}, fmt.Errorf("field %q: unbalanced parentheses", entry)
		}
		for _, s := range splitTopLevel(entry[open+1:end], ',') {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			f, err := parseFieldEntry(s)
			if err != nil {
				return Field{}, err
			}
			sub = append(sub, f)
		}
		entry = entry[:open] + entry[end+1:]
	}

	parts := strings.Split(entry, ":")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) < 2 || parts[0] == "" {
		return Field{}, fmt.Errorf("field %q: want id:kind[:required]", entry)
	}
	f := Field{ID: parts[0], Label: parts[0], Kind: FieldKind(parts[1]), Subfields: sub}
	for _, flag := range parts[2:] {
		switch flag {
		case "required":
			f.Required = true
		case "":
		default:
			return Field{}, fmt.Errorf("field %q: unknown flag %q", f.ID, flag)
		}
	}
	if len(sub) > 0 && f.Kind != FieldKindDynamicList {
		return Field{}, fmt.Errorf("field %q: only dynamic-list fields take sub-fields", f.ID)
	}
	return f, nil
}

// FormatFieldSpec renders fields in the syntax accepted by ParseFieldSpec.
// Labels are not representable and are dropped.
func FormatFieldSpec(fields []Field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = formatFieldEntry(f, ", ")
	}
	return strings.Join(parts, "; ")
}

func formatFieldEntry(f Field, subSep string) string {
	var sb strings.Builder
	sb.WriteString(f.ID)
	sb.WriteByte(':')
	sb.WriteString(string(f.Kind))
	if len(f.Subfields) > 0 {
		subs := make([]string, len(f.Subfields))
		for i, s := range f.Subfields {
			subs[i] = formatFieldEntry(s, subSep)
		}
		sb.WriteString("(" + strings.Join(subs, subSep) + ")")
	}
	if f.Required {
		sb.WriteString(":required")
	}
	return sb.String()
}

// splitTopLevel splits s on sep, ignoring separators inside parentheses.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth, last := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case sep:
			if depth == 0 {
				out = append(out, s[last:i])
				last = i + 1
			}
		}
	}
	return append(out, s[last:])
}

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format names a pipeline definition encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatDOT  Format = "dot"
)

// FormatFromPath picks a format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".dot", ".gv":
		return FormatDOT, nil
	}
	return "", fmt.Errorf("unrecognised pipeline file extension %q (want .yaml, .json or .dot)", filepath.Ext(path))
}

// Parse decodes src in the given format. The result is not validated.
func Parse(src []byte, format Format) (*Pipeline, error) {
	switch format {
	case FormatDOT:
		return ParseDOT(string(src))
	case FormatYAML:
		var p Pipeline
		if err := yaml.Unmarshal(src, &p); err != nil {
			return nil, fmt.Errorf("yaml parse error: %w", err)
		}
		return &p, nil
	case FormatJSON:
		var p Pipeline
		if err := json.Unmarshal(src, &p); err != nil {
			return nil, fmt.Errorf("json parse error: %w", err)
		}
		return &p, nil
	}
	return nil, fmt.Errorf("unknown pipeline format %q", format)
}

// LoadFile reads and parses a pipeline definition, choosing the decoder by
// extension. The result is not validated.
func LoadFile(path string) (*Pipeline, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	p, err := Parse(src, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.ID == "" {
		p.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// Encode serialises p in the given format.
func Encode(p *Pipeline, format Format) ([]byte, error) {
	switch format {
	case FormatDOT:
		return []byte(RenderDOT(p)), nil
	case FormatYAML:
		return yaml.Marshal(p)
	case FormatJSON:
		return json.MarshalIndent(p, "", "  ")
	}
	return nil, fmt.Errorf("unknown pipeline format %q", format)
}

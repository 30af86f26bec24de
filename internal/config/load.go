package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// ReadFile decodes the config at path. ".yaml" and ".yml" files are read as
// YAML, anything else as JSON. Both decoders reject unknown keys and
// trailing documents.
func ReadFile(path string) (*Config, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := Decode(formatOf(path), raw)
	if err != nil {
		return nil, nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	return cfg, raw, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

// Decode parses raw in the given format ("json" or "yaml").
func Decode(format string, raw []byte) (*Config, error) {
	var cfg Config
	switch format {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("yaml: %w", err)
		}
		var extra yaml.Node
		if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
			return nil, errors.New("yaml: more than one document")
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("json: %w", err)
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("json: trailing data after config object")
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}
	return &cfg, nil
}

package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is a manifest encoding.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// ErrNotFound is returned by Load when the manifest file does not exist.
var ErrNotFound = errors.New("manifest file not found")

// Load reads and validates a manifest from path.
//
// The format is chosen by extension: .yaml/.yml, .json or .toml. Any other
// extension is tried as YAML, then JSON, then TOML. Relative paths inside the
// manifest resolve against its directory.
func Load(path string) (*Manifest, error) {
	return LoadWithDefaults(path, Defaults{})
}

// LoadWithDefaults is Load with d filling the optional fields the manifest
// leaves empty.
func LoadWithDefaults(path string, d Defaults) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	m, err := loadBytes(data, path, d)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
		m.dir = abs
	} else {
		m.dir = filepath.Dir(path)
	}
	return m, nil
}

// LoadFromReader reads and validates a manifest from r. path is used for
// format detection and messages only.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a manifest.
//
// The input is converted to generic JSON and checked against the schema
// before it is decoded into the typed struct, so unknown fields are rejected
// rather than silently dropped.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	return loadBytes(data, path, Defaults{})
}

func loadBytes(data []byte, path string, d Defaults) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	format, raw, err := decodeGeneric(data, path)
	if err != nil {
		return nil, err
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	m, err := decodeTyped(data, format)
	if err != nil {
		return nil, err
	}
	m.applyDefaults(d)
	if err := ValidateSemantics(m); err != nil {
		return nil, err
	}
	return m, nil
}

// DetectFormat returns the format implied by the path's extension, or ""
// when the extension is not recognized.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	case ".toml":
		return FormatTOML
	}
	return ""
}

// decodeGeneric decodes data into maps and slices for schema validation.
func decodeGeneric(data []byte, path string) (Format, any, error) {
	if f := DetectFormat(path); f != "" {
		raw, err := decodeAs(data, f)
		return f, raw, err
	}
	var firstErr error
	for _, f := range []Format{FormatYAML, FormatJSON, FormatTOML} {
		raw, err := decodeAs(data, f)
		if err == nil {
			return f, raw, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return "", nil, fmt.Errorf("failed to parse manifest (tried YAML, JSON and TOML): %w", firstErr)
}

func decodeAs(data []byte, f Format) (any, error) {
	switch f {
	case FormatJSON:
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return raw, nil
	case FormatTOML:
		raw := map[string]any{}
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, fmt.Errorf("invalid TOML in manifest: %w", err)
		}
		return raw, nil
	default:
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
		}
		// A bare scalar is valid YAML but never a manifest.
		if _, ok := raw.(map[string]any); !ok {
			return nil, errors.New("invalid YAML in manifest: top level is not a mapping")
		}
		return raw, nil
	}
}

func decodeTyped(data []byte, f Format) (*Manifest, error) {
	var m Manifest
	switch f {
	case FormatJSON:
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("invalid TOML in manifest: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
		}
	}
	return &m, nil
}

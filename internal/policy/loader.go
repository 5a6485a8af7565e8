package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// ConfigError reports a security configuration that could not be loaded.
// Loading never falls back to a permissive configuration on error.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("security config: %v", e.Err)
	}
	return fmt.Sprintf("security config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LoadConfig reads a security configuration file. JSON files are parsed as
// JSON5 so comments and trailing commas are accepted; .yaml/.yml files are
// parsed as YAML. Fields absent from the file keep their DefaultConfig
// values.
func LoadConfig(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Config{}, &ConfigError{Err: errors.New("path is required")}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &ConfigError{Path: path, Err: err}
	}
	cfg, err := ParseConfig(data, filepath.Ext(path))
	if err != nil {
		return Config{}, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// ParseConfig decodes data on top of DefaultConfig. ext selects the format
// (".yaml"/".yml" for YAML, anything else for JSON5).
func ParseConfig(data []byte, ext string) (Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if len(bytes.TrimSpace(data)) == 0 {
			break
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
		if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return Config{}, errors.New("parse yaml: expected single document")
		}
	default:
		if err := json5.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json5: %w", err)
		}
		if err := checkJSONKeys(data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configKeys holds the JSON names of Config's fields.
var configKeys = func() map[string]struct{} {
	keys := make(map[string]struct{})
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[name] = struct{}{}
		}
	}
	return keys
}()

// checkJSONKeys rejects unknown top-level keys, matching the YAML decoder's
// KnownFields behavior.
func checkJSONKeys(data []byte) error {
	var raw map[string]any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse json5: %w", err)
	}
	var unknown []string
	for key := range raw {
		if _, ok := configKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("parse json5: unknown field %q", unknown[0])
	}
	return nil
}

// Validate checks numeric bounds and list entries.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, scheme := range c.AllowedURLSchemes {
		if strings.EqualFold(strings.TrimSpace(scheme), "file") {
			return errors.New("invalid config: file scheme cannot be allow-listed")
		}
	}
	for _, root := range c.AllowedRoots {
		if strings.TrimSpace(root) == "" {
			return errors.New("invalid config: empty allowed root")
		}
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taskforge-io/taskforge/pkg/core"
)

// Load reads a configuration file into cfg, detecting the format by
// extension. Unknown extensions are treated as YAML.
func Load(path string, cfg *Config) error {
	if strings.HasSuffix(path, ".json") {
		return LoadJSON(path, cfg)
	}
	return LoadYAML(path, cfg)
}

// LoadYAML reads a YAML configuration file into cfg.
func LoadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadJSON reads a JSON configuration file into cfg.
func LoadJSON(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := core.JSONDecode(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// LoadWithEnv loads a configuration file and then applies environment
// variable overrides. Variables follow the pattern PREFIX_SECTION_FIELD,
// uppercased, e.g. TASKFORGE_POOL_MAX_WORKERS=8. An empty prefix defaults
// to TASKFORGE.
func LoadWithEnv(path, prefix string, cfg *Config) error {
	if err := Load(path, cfg); err != nil {
		return err
	}
	if err := ApplyEnvOverrides(prefix, cfg); err != nil {
		return fmt.Errorf("apply env overrides: %w", err)
	}
	return nil
}

// ApplyEnvOverrides overwrites cfg fields from environment variables. The
// variable name for each field is PREFIX_<path of yaml tags, uppercased,
// joined by underscores>.
func ApplyEnvOverrides(prefix string, cfg *Config) error {
	if prefix == "" {
		prefix = "TASKFORGE"
	}
	return applyEnv(prefix, reflect.ValueOf(cfg).Elem())
}

func applyEnv(prefix string, val reflect.Value) error {
	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		if !field.CanSet() {
			continue
		}

		name := typ.Field(i).Tag.Get("yaml")
		if name == "" {
			name = strings.ToLower(typ.Field(i).Name)
		}
		key := prefix + "_" + strings.ToUpper(name)

		if field.Kind() == reflect.Struct {
			if err := applyEnv(key, field); err != nil {
				return err
			}
			continue
		}

		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setFromString(field, raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func setFromString(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q", raw)
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", raw)
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "ORDERSAGA_"
	// EnvNestingSeparator separates nested keys in environment variable
	// names: ORDERSAGA_STORAGE__TYPE -> storage.type.
	EnvNestingSeparator = "__"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
)

// ConfigFileEnv names the config file when no path is given on the command
// line.
const ConfigFileEnv = "ORDERSAGA_CONFIG"

// searchPaths are tried in order when neither a path nor ConfigFileEnv is set.
var searchPaths = []string{
	"ordersaga.yaml",
	"config.yaml",
	"configs/ordersaga.yaml",
	"/etc/ordersaga/ordersaga.yaml",
}

// Loader merges defaults, a config file, ORDERSAGA_ environment variables and
// command line overrides, later sources winning.
type Loader struct {
	k      *koanf.Koanf
	source string
	lists  map[string]bool
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// Load builds and validates a Config. An explicit configPath must exist.
// Without one the file named by ConfigFileEnv is used, then the first of the
// search paths that exists; running on defaults alone is fine.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	l.k = koanf.New(Delimiter)
	l.source = ""

	defaults, lists := flatten(DefaultConfig(), "")
	l.lists = lists
	if err := l.k.Load(confmap.Provider(defaults, Delimiter), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path, err := resolvePath(configPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := l.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		l.source = path
	}

	if err := l.k.Load(env.ProviderWithValue(EnvPrefix, Delimiter, l.envValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Source is the config file the last Load read, or empty when it ran on
// defaults and the environment.
func (l *Loader) Source() string {
	return l.source
}

func resolvePath(explicit string) (string, error) {
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(ConfigFileEnv))
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, candidate := range searchPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format %q", filepath.Ext(path))
	}
	return l.k.Load(file.Provider(path), parser)
}

// envValue maps ORDERSAGA_SAGA__STALL_TIMEOUT to saga.stall_timeout. Keys
// that hold lists, such as broker.kafka.brokers, are split on commas.
func (l *Loader) envValue(name, value string) (string, interface{}) {
	key := envKey(name)
	if key == strings.ToLower(strings.TrimPrefix(ConfigFileEnv, EnvPrefix)) {
		return "", nil
	}
	if !l.lists[key] {
		return key, value
	}
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return key, out
}

func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, EnvNestingSeparator, Delimiter)
}

// flatten turns a tagged struct into dotted keys so later sources merge into
// nested sections instead of replacing them. It also reports which keys hold
// slices.
func flatten(v interface{}, prefix string) (map[string]interface{}, map[string]bool) {
	values := make(map[string]interface{})
	lists := make(map[string]bool)
	walk(reflect.ValueOf(v), prefix, values, lists)
	return values, lists
}

func walk(val reflect.Value, prefix string, values map[string]interface{}, lists map[string]bool) {
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if !field.IsExported() || tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + Delimiter + tag
		}

		fv := val.Field(i)
		switch fv.Kind() {
		case reflect.Struct, reflect.Ptr:
			walk(fv, key, values, lists)
		case reflect.Slice:
			lists[key] = true
			items := make([]interface{}, fv.Len())
			for j := range items {
				items[j] = fv.Index(j).Interface()
			}
			values[key] = items
		case reflect.Map:
			if fv.Len() > 0 {
				values[key] = fv.Interface()
			}
		default:
			values[key] = fv.Interface()
		}
	}
}

// Load is a convenience function to load configuration.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}

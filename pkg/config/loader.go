// Package config loads service configuration from struct tag defaults, an
// optional YAML or JSON file, and environment variables. Later layers win:
//
//	envDefault struct tags  (lowest priority)
//	YAML/JSON config file
//	Environment variables   (highest priority)
//
// # Struct Tags
//
//   - `env:"VAR_NAME"` maps the field to an environment variable. On a
//     nested struct it becomes a prefix for the children.
//   - `envDefault:"value"` is applied when the field is still zero.
//   - `required:"true"` fails validation if the field is zero after loading.
//
// File loading goes through the yaml and json unmarshalers, so fields also
// need `yaml` or `json` tags.
//
// # Usage
//
//	type RemoteConfig struct {
//	    TenantID     string        `env:"TENANT_ID" yaml:"tenant_id"`
//	    KeySetTTL    time.Duration `env:"KEYSET_TTL" envDefault:"1h" yaml:"keyset_ttl"`
//	    RefreshRatio float64       `env:"REFRESH_RATIO" envDefault:"0.8" yaml:"refresh_ratio"`
//	}
//
//	cfg := config.MustLoad[ServiceConfig](
//	    config.New().WithEnvPrefix("IDENTITY").WithFileFromEnv("IDENTITY_CONFIG_FILE"),
//	)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// time.Duration has Kind() == Int64 but is parsed with time.ParseDuration.
var durationType = reflect.TypeOf(time.Duration(0))

// Loader resolves configuration in layers. It is not safe for concurrent
// use; build one per Load call.
type Loader struct {
	envPrefix string
	filePath  string
}

// New returns a Loader that reads environment variables only.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix prepends prefix and an underscore to every env tag. The
// prefix is uppercased; an empty prefix disables prefixing.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets a YAML (.yaml, .yml) or JSON (.json) file to load. A
// missing file is not an error. Paths containing ".." are rejected at
// Load time.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithFileFromEnv is WithFile with the path read from the named
// environment variable. An unset or empty variable leaves the file layer
// disabled.
func (l *Loader) WithFileFromEnv(envVar string) *Loader {
	if path := strings.TrimSpace(os.Getenv(envVar)); path != "" {
		l.filePath = path
	}
	return l
}

// Load fills cfg, which must be a non-nil pointer to a struct, and then
// validates it: `required` tags first, then [Validator] if cfg implements
// it.
//
// Loading failures carry [sserr.CodeInternalConfiguration]; validation
// failures carry [sserr.CodeValidationRequired] or
// [sserr.CodeValidation].
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a pointer to a struct")
	}

	if err := walkFields(rv, "", applyDefault); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}
	if err := walkFields(rv, l.envPrefix, applyEnv); err != nil {
		return err
	}
	return validate(cfg, rv)
}

// MustLoad loads a T or panics. Use it in main where a bad configuration
// should stop startup.
//
//	cfg := config.MustLoad[ServiceConfig](config.New().WithEnvPrefix("IDENTITY"))
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	var unmarshal func([]byte, any) error
	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		unmarshal = yaml.Unmarshal
	case ".json":
		unmarshal = json.Unmarshal
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	if err := unmarshal(data, cfg); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to parse file %q", l.filePath)
	}
	return nil
}

// fieldFunc is applied to every settable leaf field. envKey is the fully
// prefixed environment variable name, or "" when the field has no env tag.
type fieldFunc func(field reflect.Value, sf reflect.StructField, envKey string) error

// walkFields visits leaf fields depth-first. A nested struct's env tag is
// joined onto prefix for its children.
func walkFields(rv reflect.Value, prefix string, fn fieldFunc) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}
		envTag := sf.Tag.Get("env")

		if field.Kind() == reflect.Struct && sf.Type != durationType {
			if err := walkFields(field, joinEnv(prefix, envTag), fn); err != nil {
				return err
			}
			continue
		}

		envKey := ""
		if envTag != "" {
			envKey = joinEnv(prefix, envTag)
		}
		if err := fn(field, sf, envKey); err != nil {
			return err
		}
	}
	return nil
}

func joinEnv(prefix, name string) string {
	switch {
	case name == "":
		return prefix
	case prefix == "":
		return name
	default:
		return prefix + "_" + name
	}
}

func applyDefault(field reflect.Value, sf reflect.StructField, _ string) error {
	tag, ok := sf.Tag.Lookup("envDefault")
	if !ok || tag == "" || !field.IsZero() {
		return nil
	}
	if err := setField(field, tag); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to apply default for field %q", sf.Name)
	}
	return nil
}

func applyEnv(field reflect.Value, sf reflect.StructField, envKey string) error {
	if envKey == "" {
		return nil
	}
	val, ok := os.LookupEnv(envKey)
	if !ok {
		return nil
	}
	if err := setField(field, val); err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to set field %q from env var %q", sf.Name, envKey)
	}
	return nil
}

// setField parses value into field. Supported kinds: string (including
// named string types such as auth.Secret), bool, signed and unsigned
// integers, float32/float64, time.Duration and string slices given as a
// comma-separated list.
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse unsigned integer %q: %w", value, err)
		}
		field.SetUint(n)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse float %q: %w", value, err)
		}
		field.SetFloat(f)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		// MakeSlice keeps named slice types assignable.
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(p)
		}
		field.Set(slice)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}

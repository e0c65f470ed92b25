package config

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvPrefix prefixes every environment variable read by the loader.
const DefaultEnvPrefix = "DOCQ"

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management.
// Precedence: flags > ENV > secrets file > config file > defaults.
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (defaults to DOCQ)
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags makes flags registered by RegisterFlags override every other source.
// Only flags explicitly set on the command line take effect.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	l.flags = flags
	return l
}

// Load loads configuration from file, environment variables and flags.
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.load(false)
	return cfg, err
}

func (l *ViperLoader) load(withSecrets bool) (*Config, *Config, error) {
	v := viper.New()
	l.setDefaults(v)

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	var secrets *Config
	if withSecrets {
		var err error
		if secrets, err = l.mergeSecrets(v); err != nil {
			return nil, nil, err
		}
	}

	v.SetEnvPrefix(l.prefix())
	l.bindEnvVars(v)

	if err := l.applyFlags(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, secrets, nil
}

func (l *ViperLoader) setDefaults(v *viper.Viper) {
	defaults := reflect.ValueOf(DefaultConfig()).Elem()
	for _, field := range configFields() {
		v.SetDefault(field.Key, defaults.FieldByIndex(field.Index).Interface())
	}
}

// bindEnvVars binds every configuration key to <PREFIX>_<KEY>, e.g. DOCQ_STORE_URL.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	for _, field := range configFields() {
		_ = v.BindEnv(field.Key, l.prefixedEnv(envName(field.Key)))
	}
}

func (l *ViperLoader) applyFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for _, field := range configFields() {
		if field.Flag == "" {
			continue
		}
		flag := l.flags.Lookup(field.Flag)
		if flag == nil || !flag.Changed {
			continue
		}
		parsed, err := parseStringByType(flag.Value.String(), field.Type)
		if err != nil {
			return fmt.Errorf("invalid value for --%s: %w", field.Flag, err)
		}
		v.Set(field.Key, parsed)
	}
	return nil
}

func (l *ViperLoader) prefix() string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return strings.ToUpper(prefix)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	return fmt.Sprintf("%s_%s", l.prefix(), suffix)
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate validates the configuration
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	cfg.Store.Type = strings.ToLower(strings.TrimSpace(cfg.Store.Type))
	validStores := []string{StoreTypeMemory, StoreTypeMongoDB, StoreTypeDynamoDB}
	if !slices.Contains(validStores, cfg.Store.Type) {
		errs = append(errs, fmt.Errorf("invalid store.type: %q (must be one of: %v)", cfg.Store.Type, validStores))
	}
	switch cfg.Store.Type {
	case StoreTypeMongoDB:
		if cfg.Store.URL == "" {
			errs = append(errs, errors.New("store.url is required for mongodb"))
		}
		if cfg.Store.Database == "" {
			errs = append(errs, errors.New("store.database is required for mongodb"))
		}
	case StoreTypeDynamoDB:
		if cfg.Store.Region == "" {
			errs = append(errs, errors.New("store.region is required for dynamodb"))
		}
		if cfg.Store.Table == "" {
			errs = append(errs, errors.New("store.table is required for dynamodb"))
		}
		if (cfg.Store.AccessKeyID == "") != (cfg.Store.SecretAccessKey == "") {
			errs = append(errs, errors.New("store.access_key_id and store.secret_access_key must be set together"))
		}
	}
	if cfg.Store.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("store.connect_timeout must be positive, got %s", cfg.Store.ConnectTimeout))
	}
	if cfg.Store.OperationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("store.operation_timeout must be positive, got %s", cfg.Store.OperationTimeout))
	}
	if cfg.Store.MaxTransactionAttempts < 1 {
		errs = append(errs, fmt.Errorf("store.max_transaction_attempts must be at least 1, got %d", cfg.Store.MaxTransactionAttempts))
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, strings.ToLower(cfg.Log.Level)) {
		errs = append(errs, fmt.Errorf("invalid log.level: %s (must be one of: %v)", cfg.Log.Level, validLevels))
	}
	validFormats := []string{"json", "text"}
	if !slices.Contains(validFormats, strings.ToLower(cfg.Log.Format)) {
		errs = append(errs, fmt.Errorf("invalid log.format: %s (must be one of: %v)", cfg.Log.Format, validFormats))
	}

	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %v", cfg.Tracing.SampleRate))
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	if cfg.Tracing.Enabled && cfg.Service.Name == "" {
		errs = append(errs, errors.New("service.name is required when tracing is enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

type configField struct {
	Key   string
	Flag  string
	Usage string
	Type  reflect.Type
	Index []int
}

// configFields lists every leaf of Config with its dotted viper key.
func configFields() []configField {
	var out []configField
	collectFieldsRecursive(reflect.TypeOf(Config{}), "", nil, &out)
	return out
}

func collectFieldsRecursive(structType reflect.Type, prefix string, index []int, out *[]configField) {
	for i := 0; i < structType.NumField(); i++ {
		field := structType.Field(i)
		if !field.IsExported() {
			continue
		}
		key := field.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		fieldIndex := append(slices.Clone(index), i)
		if field.Type.Kind() == reflect.Struct {
			collectFieldsRecursive(field.Type, key, fieldIndex, out)
			continue
		}
		*out = append(*out, configField{
			Key:   key,
			Flag:  field.Tag.Get("flag"),
			Usage: field.Tag.Get("flag_usage"),
			Type:  field.Type,
			Index: fieldIndex,
		})
	}
}

// RegisterFlags registers a flag for every configuration field carrying a flag tag.
// Flag defaults mirror DefaultConfig so that --help shows effective defaults.
func RegisterFlags(flags *pflag.FlagSet) {
	defaults := reflect.ValueOf(DefaultConfig()).Elem()
	for _, field := range configFields() {
		if field.Flag == "" || flags.Lookup(field.Flag) != nil {
			continue
		}
		usage := field.Usage
		if usage == "" {
			usage = "configuration override"
		}
		value := defaults.FieldByIndex(field.Index)

		switch field.Type.Kind() {
		case reflect.String:
			flags.String(field.Flag, value.String(), usage)
		case reflect.Bool:
			flags.Bool(field.Flag, value.Bool(), usage)
		case reflect.Float64:
			flags.Float64(field.Flag, value.Float(), usage)
		case reflect.Int, reflect.Int64:
			if field.Type == reflect.TypeOf(time.Duration(0)) {
				flags.Duration(field.Flag, time.Duration(value.Int()), usage)
			} else {
				flags.Int(field.Flag, int(value.Int()), usage)
			}
		}
	}
}

func parseStringByType(value string, fieldType reflect.Type) (any, error) {
	trimmed := strings.TrimSpace(value)
	switch fieldType.Kind() {
	case reflect.String:
		return trimmed, nil
	case reflect.Bool:
		if trimmed == "" {
			return false, nil
		}
		return strconv.ParseBool(trimmed)
	case reflect.Float64:
		return strconv.ParseFloat(trimmed, 64)
	case reflect.Int, reflect.Int64:
		if fieldType == reflect.TypeOf(time.Duration(0)) {
			return time.ParseDuration(trimmed)
		}
		parsed, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil, err
		}
		return int(parsed), nil
	}
	return nil, fmt.Errorf("unsupported field type %s", fieldType.String())
}

package config

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/invopop/jsonschema"
	"github.com/spf13/viper"
)

// Credential modes selected by credentials.credentials_title.
const (
	PrivateAppCredentials = "Private App Credentials"
	OAuthCredentials      = "OAuth Credentials"
)

// Config is the connector configuration.
type Config struct {
	StartDate          string            `mapstructure:"start_date" json:"start_date,omitempty" jsonschema:"title=Start date,description=UTC date and time after which data is replicated. Defaults to 2006-06-01T00:00:00.000Z."`
	Credentials        Credentials       `mapstructure:"credentials" json:"credentials" jsonschema:"required"`
	URLBase            string            `mapstructure:"url_base" json:"url_base,omitempty"`
	PageSize           int               `mapstructure:"page_size" json:"page_size,omitempty"`
	Streams            []string          `mapstructure:"streams" json:"streams,omitempty" jsonschema:"description=Streams to read. Empty reads every stream."`
	CustomObjects      []CustomObject    `mapstructure:"custom_objects" json:"custom_objects,omitempty"`
	LegacyFieldMapping map[string]string `mapstructure:"legacy_field_mapping" json:"legacy_field_mapping,omitempty"`
	EnableExperimental bool              `mapstructure:"enable_experimental_streams" json:"enable_experimental_streams,omitempty"`

	HTTP        HTTPConfig        `mapstructure:"http" json:"http,omitempty"`
	Database    DatabaseConfig    `mapstructure:"database" json:"database,omitempty"`
	Destination DestinationConfig `mapstructure:"destination" json:"destination,omitempty"`
	Schedules   []ScheduleConfig  `mapstructure:"schedules" json:"schedules,omitempty"`
}

// Credentials selects and carries one of the two authentication modes.
type Credentials struct {
	CredentialsTitle string `mapstructure:"credentials_title" json:"credentials_title" jsonschema:"enum=Private App Credentials,enum=OAuth Credentials"`
	AccessToken      string `mapstructure:"access_token" json:"access_token,omitempty" jsonschema:"writeOnly=true"`
	ClientID         string `mapstructure:"client_id" json:"client_id,omitempty"`
	ClientSecret     string `mapstructure:"client_secret" json:"client_secret,omitempty" jsonschema:"writeOnly=true"`
	RefreshToken     string `mapstructure:"refresh_token" json:"refresh_token,omitempty" jsonschema:"writeOnly=true"`
}

// CustomObject declares a custom CRM object and its properties.
type CustomObject struct {
	Name         string           `mapstructure:"name" json:"name"`
	Properties   []CustomProperty `mapstructure:"properties" json:"properties"`
	Associations []string         `mapstructure:"associations" json:"associations,omitempty"`
}

// CustomProperty is a custom object property and its API type token.
type CustomProperty struct {
	Name string `mapstructure:"name" json:"name"`
	Type string `mapstructure:"type" json:"type"`
}

// HTTPConfig tunes the API transport.
type HTTPConfig struct {
	Timeout           time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
	RetryMax          int           `mapstructure:"retry_max" json:"retry_max,omitempty"`
	RetryWaitMin      time.Duration `mapstructure:"retry_wait_min" json:"retry_wait_min,omitempty"`
	RetryWaitMax      time.Duration `mapstructure:"retry_wait_max" json:"retry_wait_max,omitempty"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" json:"requests_per_second,omitempty"`
}

// DatabaseConfig locates the local job and state store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" json:"path,omitempty"`
}

// DestinationConfig selects where records are written.
type DestinationConfig struct {
	Driver   string `mapstructure:"driver" json:"driver,omitempty" jsonschema:"enum=stdout,enum=sqlite,enum=postgres,enum=mysql,enum=mongodb"`
	DSN      string `mapstructure:"dsn" json:"dsn,omitempty"`
	Database string `mapstructure:"database" json:"database,omitempty"`
}

// ScheduleConfig registers a sync job on startup.
type ScheduleConfig struct {
	Name     string   `mapstructure:"name" json:"name"`
	Cron     string   `mapstructure:"cron" json:"cron,omitempty"`
	Watch    string   `mapstructure:"watch" json:"watch,omitempty"`
	Streams  []string `mapstructure:"streams" json:"streams,omitempty"`
	SyncMode string   `mapstructure:"sync_mode" json:"sync_mode,omitempty"`
}

// Load reads configuration from path (optional) and CRMSYNC_ environment
// variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper loads configuration using a provided Viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// FromMap builds a Config from a decoded configuration object, applying defaults.
func FromMap(m map[string]any) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	if err := v.MergeConfigMap(m); err != nil {
		return nil, errors.Wrap(err, "failed to merge config")
	}
	return LoadWithViper(v)
}

// Spec renders the JSON schema of Config, the connector specification.
func Spec() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		FieldNameTag:   "json",
		DoNotReference: true,
	}
	return r.Reflect(&Config{})
}

// ToMap renders c as the opaque source configuration stored with sync jobs.
func (c *Config) ToMap() (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encode config")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	return m, nil
}

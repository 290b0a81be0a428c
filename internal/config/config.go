// Package config loads and validates runtime configuration.
//
// Values come from environment variables first, then from an optional YAML
// file named by BUSTRACK_CONFIG, then from defaults. File keys are the
// lower-case environment names (db_dsn, flush_interval, ...).
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: field %q: %s", e.Field, e.Message)
}

// ScheduledBus is one entry of the fixed bus search listing.
type ScheduledBus struct {
	BusID         string `mapstructure:"bus_id" json:"bus_id"`
	RouteID       string `mapstructure:"route_id" json:"route_id"`
	DepartureTime string `mapstructure:"departure_time" json:"departure_time"`
	ArrivalTime   string `mapstructure:"arrival_time" json:"arrival_time"`
}

// Config holds all runtime configuration.
type Config struct {
	DBDSN string `mapstructure:"db_dsn" validate:"required"`
	Port  int    `mapstructure:"port" validate:"min=1,max=65535"`

	LogLevel  string `mapstructure:"log_level" validate:"oneof=trace debug info warn warning error"`
	LogFormat string `mapstructure:"log_format" validate:"oneof=json text"`

	// Live state.
	FlushInterval    time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	NegativeCacheTTL time.Duration `mapstructure:"negative_cache_ttl" validate:"gt=0"`
	LiveThreshold    time.Duration `mapstructure:"live_threshold" validate:"gt=0"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold" validate:"gtfield=LiveThreshold"`
	SmoothSpeed      bool          `mapstructure:"smooth_speed"`

	// RoutesFile, when set, replaces the database as the route source and is
	// watched for changes.
	RoutesFile string `mapstructure:"routes_file"`

	// Kafka ingestion is enabled when brokers and topic are set.
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`

	// GTFS-Realtime polling is enabled when the URL is set.
	GTFSRTVehiclePositionsURL string        `mapstructure:"gtfsrt_vehicle_positions_url" validate:"omitempty,url"`
	GTFSRTPollInterval        time.Duration `mapstructure:"gtfsrt_poll_interval" validate:"gt=0"`

	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`

	SearchBuses []ScheduledBus `mapstructure:"search_buses" validate:"dive"`
}

// KafkaEnabled reports whether the Kafka consumer should run.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaTopic != ""
}

// GTFSRTEnabled reports whether the GTFS-RT poller should run.
func (c *Config) GTFSRTEnabled() bool {
	return c.GTFSRTVehiclePositionsURL != ""
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their environment name.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		return strings.ToUpper(name)
	})
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_dsn", "")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("flush_interval", 5*time.Second)
	v.SetDefault("negative_cache_ttl", 10*time.Second)
	v.SetDefault("live_threshold", 20*time.Second)
	v.SetDefault("offline_threshold", 300*time.Second)
	v.SetDefault("smooth_speed", false)
	v.SetDefault("routes_file", "")
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_topic", "")
	v.SetDefault("kafka_group_id", "bustrack")
	v.SetDefault("gtfsrt_vehicle_positions_url", "")
	v.SetDefault("gtfsrt_poll_interval", 15*time.Second)
	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("search_buses", []map[string]any{{
		"bus_id":         "UK-07-PA-1234",
		"route_id":       "R_UK_DEL",
		"departure_time": "08:00 AM",
		"arrival_time":   "02:00 PM",
	}})
}

// Load reads configuration from the environment and, when BUSTRACK_CONFIG is
// set, from that YAML file. Returns a ConfigError for any missing or invalid
// value.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("BUSTRACK_CONFIG"))
}

// LoadFile is Load with an explicit config file path. An empty path reads
// the environment and defaults only.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigError{Field: "BUSTRACK_CONFIG", Message: err.Error()}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &ConfigError{Field: "config", Message: err.Error()}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks an already-constructed Config. All problems are reported
// together, one ConfigError each.
func (c *Config) Validate() error {
	var errs []error

	var verrs validator.ValidationErrors
	if err := validate.Struct(c); errors.As(err, &verrs) {
		for _, fe := range verrs {
			errs = append(errs, &ConfigError{Field: fe.Field(), Message: describe(fe)})
		}
	} else if err != nil {
		return err
	}

	// An empty broker list disables Kafka, so the pairing is checked on length.
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, &ConfigError{Field: "KAFKA_TOPIC", Message: "required when KAFKA_BROKERS is set"})
	}

	return errors.Join(errs...)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required but not set"
	case "min", "max":
		return "must be between 1 and 65535"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt":
		return "must be positive"
	case "gtfield":
		return "must be greater than LIVE_THRESHOLD"
	case "url":
		return "must be a valid URL"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

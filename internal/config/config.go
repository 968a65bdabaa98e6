// Package config loads daemon configuration from a TOML file,
// environment overrides and command line flags, in ascending priority.
package config

import (
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"codeberg.org/mutker/coolerd/internal/errors"
)

const (
	defaultInterval      = 1
	minInterval          = 1
	maxInterval          = 60
	defaultAPIAddress    = "127.0.0.1:11987"
	defaultDatabase      = "/var/lib/coolerd/settings.db"
	defaultCriticalTemp  = 100.0
	defaultLiquidAddress = "http://127.0.0.1:11986"

	configEnvVar = "COOLERD_CONFIG"
)

// CompositeMemberConfig references one member sensor of a composite.
type CompositeMemberConfig struct {
	DeviceUID string `mapstructure:"device_uid"`
	TempName  string `mapstructure:"temp_name"`
}

// CompositeSensorConfig declares a virtual mix-function sensor.
type CompositeSensorConfig struct {
	Name    string                  `mapstructure:"name"`
	Mix     string                  `mapstructure:"mix"`
	Members []CompositeMemberConfig `mapstructure:"members"`
}

type Config struct {
	Interval      int     `mapstructure:"interval"`
	Debug         bool    `mapstructure:"debug"`
	Verbose       bool    `mapstructure:"verbose"`
	APIAddress    string  `mapstructure:"api_address"`
	AdminPassword string  `mapstructure:"admin_password"`
	Database      string  `mapstructure:"database"`
	LiquidAddress string  `mapstructure:"liquid_address"`
	HwmonPath     string  `mapstructure:"hwmon_path"`
	CriticalTemp  float64 `mapstructure:"critical_temp"`

	CompositeSensors []CompositeSensorConfig `mapstructure:"composite_sensors"`
}

func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	errFactory := errors.New()

	flags := pflag.NewFlagSet("coolerd", pflag.ContinueOnError)
	flags.Bool("debug", false, "Enable debugging mode")
	flags.Bool("verbose", false, "Enable verbose logging")
	flags.Int("interval", defaultInterval, "Seconds between status polls")
	flags.String("api-address", defaultAPIAddress, "Listen address of the HTTP API")
	configFile := flags.String("config", "", "Path to the configuration file")

	if err := flags.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	v.SetDefault("interval", defaultInterval)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("api_address", defaultAPIAddress)
	v.SetDefault("admin_password", "cool-admin")
	v.SetDefault("database", defaultDatabase)
	v.SetDefault("liquid_address", defaultLiquidAddress)
	v.SetDefault("hwmon_path", "")
	v.SetDefault("critical_temp", defaultCriticalTemp)

	if path := configPath(*configFile); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/coolerd")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
		}
	}

	// Flags set on the command line override everything.
	flags.Visit(func(f *pflag.Flag) {
		key := f.Name
		if key == "api-address" {
			key = "api_address"
		}
		v.Set(key, f.Value.String())
	})

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// configPath resolves the config file path: explicit flag first, then
// the environment override, then the system default via the caller.
func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return os.Getenv(configEnvVar)
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval < minInterval || c.Interval > maxInterval {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.APIAddress == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "api_address must not be empty")
	}
	if c.Database == "" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "database must not be empty")
	}
	if c.CriticalTemp <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "critical_temp must be positive")
	}

	for i := range c.CompositeSensors {
		s := &c.CompositeSensors[i]
		if s.Name == "" {
			return errFactory.WithMessage(errors.ErrInvalidConfig, "composite sensor name must not be empty")
		}
		if len(s.Members) == 0 {
			return errFactory.WithMessage(errors.ErrInvalidConfig, "composite sensor needs at least one member")
		}
	}

	return nil
}

// Package config loads the caucased server configuration from defaults,
// an optional file, CAUCASED_* environment variables and flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mcuadros/go-defaults"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the caucased configuration. Every field maps to a flag of the
// same name as its mapstructure tag.
type Config struct {
	ConfigFile string `mapstructure:"config"`

	DB        string `mapstructure:"db" default:"caucase.db" validate:"required"`
	Netloc    string `mapstructure:"netloc"`
	HTTPAddr  string `mapstructure:"http-addr" default:":80" validate:"required"`
	HTTPSAddr string `mapstructure:"https-addr" default:":443" validate:"required"`
	ServerKey string `mapstructure:"server-key" default:"server.key.pem" validate:"required"`

	// Threshold is how long before expiry the HTTPS certificate is renewed.
	Threshold time.Duration `mapstructure:"threshold" default:"744h" validate:"gt=0"`

	ServiceCrtValidity      time.Duration `mapstructure:"service-crt-validity" default:"2232h" validate:"gt=0"`
	ServiceMaxCSR           int           `mapstructure:"service-max-csr" default:"50" validate:"gt=0"`
	ServiceAutoApproveCount uint64        `mapstructure:"service-auto-approve-count" default:"0"`

	UserCrtValidity      time.Duration `mapstructure:"user-crt-validity" default:"2232h" validate:"gt=0"`
	UserMaxCSR           int           `mapstructure:"user-max-csr" default:"50" validate:"gt=0"`
	UserAutoApproveCount uint64        `mapstructure:"user-auto-approve-count" default:"1"`

	LockAutoApproveCount bool `mapstructure:"lock-auto-approve-count"`

	KeyLen         int     `mapstructure:"key-len" default:"2048" validate:"gte=2048"`
	CRLRenewPeriod float64 `mapstructure:"crl-renew-period" default:"0.33" validate:"gt=0,lte=1"`
	CALifePeriod   float64 `mapstructure:"ca-life-period" default:"4" validate:"gte=3"`

	BackupDirectory string        `mapstructure:"backup-directory"`
	BackupPeriod    time.Duration `mapstructure:"backup-period" default:"24h" validate:"gt=0"`

	Verbose int `mapstructure:"verbose"`
}

// Defaults returns a Config holding only default values.
func Defaults() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// RegisterFlags adds every setting to fs, with the defaults of Defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("config", "", "configuration file (yaml, toml or json)")
	fs.String("db", d.DB, "path of the database file")
	fs.String("netloc", "", "host[:port] under which the service is reachable, used in CRL distribution points and the HTTPS certificate")
	fs.String("http-addr", d.HTTPAddr, "plain HTTP listen address")
	fs.String("https-addr", d.HTTPSAddr, "HTTPS listen address")
	fs.String("server-key", d.ServerKey, "path of the HTTPS key and certificate")
	fs.Duration("threshold", d.Threshold, "renew the HTTPS certificate when it expires within this delay")
	fs.Duration("service-crt-validity", d.ServiceCrtValidity, "validity of service certificates")
	fs.Int("service-max-csr", d.ServiceMaxCSR, "maximum number of pending service certificate signing requests")
	fs.Uint64("service-auto-approve-count", d.ServiceAutoApproveCount, "number of service certificates signed without operator action")
	fs.Duration("user-crt-validity", d.UserCrtValidity, "validity of user certificates")
	fs.Int("user-max-csr", d.UserMaxCSR, "maximum number of pending user certificate signing requests")
	fs.Uint64("user-auto-approve-count", d.UserAutoApproveCount, "number of user certificates signed without operator action")
	fs.Bool("lock-auto-approve-count", false, "store the auto-approve counts on first start; later values are ignored")
	fs.Int("key-len", d.KeyLen, "RSA key size of generated CA keys")
	fs.Float64("crl-renew-period", d.CRLRenewPeriod, "CRL validity, in certificate validity units")
	fs.Float64("ca-life-period", d.CALifePeriod, "CA certificate validity, in certificate validity units")
	fs.String("backup-directory", "", "directory receiving periodic encrypted backups; disabled when empty")
	fs.Duration("backup-period", d.BackupPeriod, "delay between backups")
	fs.CountP("verbose", "v", "log verbosity, repeat for more")
}

// Load reads the configuration for the flags of fs, which must have been
// set up by RegisterFlags and parsed.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("CAUCASED")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
	}

	c := Defaults()
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

var validate = validator.New()

// Validate checks c for values caucased cannot run with. Netloc is only
// checked by Hostname, as the manage commands do not need it.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Hostname returns the host part of Netloc, which the server requires.
func (c *Config) Hostname() (string, error) {
	host := c.Netloc
	if h, _, err := net.SplitHostPort(c.Netloc); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return "", errors.New("invalid configuration: netloc has no host")
	}
	return host, nil
}

// BaseURL returns the plain HTTP URL of the service, which is where CRLs
// are published.
func (c *Config) BaseURL() string {
	return "http://" + c.Netloc
}

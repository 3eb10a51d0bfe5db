package config

import (
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSIPPort       = 5060
	DefaultExpires       = 60
	DefaultRecoveryDelay = 30 * time.Second
	DefaultTryingDelay   = 25 * time.Millisecond
	DefaultRingingDelay  = 150 * time.Millisecond
	DefaultBusyDelay     = 25 * time.Second
	DefaultRetryInterval = 30 * time.Second

	MinRecoveryDelay = 30 * time.Second
	MaxRecoveryDelay = 60 * time.Second
)

var (
	ErrNoAccountURL = errors.New("account url is not set")
	ErrNoWebhookURL = errors.New("webhook url is not set")
	ErrInvalid      = errors.New("invalid configuration")
)

type Config struct {
	AccountURL    string `yaml:"account_url"` // required (env DOMRU_URL)
	WebhookURL    string `yaml:"webhook_url"` // required (env WEBHOOK_URL)
	Debug         bool   `yaml:"debug"`
	Port          int    `yaml:"port"`           // local SIP port
	IP            string `yaml:"ip"`             // overrides the discovered local address
	RegistrarPort int    `yaml:"registrar_port"` // registrar is <realm>:<registrar_port>
	Expires       uint32 `yaml:"expires"`        // requested registration expiry, seconds
	IssuesURL     string `yaml:"issues_url"`     // sent as X-Domru-Issues when set
	DNS           string `yaml:"dns"`            // name server for the registrar lookup, system resolver when empty

	RecoveryDelay time.Duration `yaml:"recovery_delay"` // 30s..60s
	RetryInterval time.Duration `yaml:"retry_interval"` // unanswered REGISTER restarts the cycle after this
	TryingDelay   time.Duration `yaml:"trying_delay"`
	RingingDelay  time.Duration `yaml:"ringing_delay"` // 0 disables 180 Ringing
	BusyDelay     time.Duration `yaml:"busy_delay"`
	AcceptNotify  bool          `yaml:"accept_notify"` // answer NOTIFY with 200 instead of 405

	MetricsPort int `yaml:"metrics_port"` // 0 disables /metrics
}

func Default() *Config {
	return &Config{
		Port:          DefaultSIPPort,
		RegistrarPort: DefaultSIPPort,
		Expires:       DefaultExpires,
		RecoveryDelay: DefaultRecoveryDelay,
		RetryInterval: DefaultRetryInterval,
		TryingDelay:   DefaultTryingDelay,
		RingingDelay:  DefaultRingingDelay,
		BusyDelay:     DefaultBusyDelay,
	}
}

// NewConfig parses a YAML body on top of the defaults. An empty body yields
// the defaults.
func NewConfig(body string) (*Config, error) {
	conf := Default()
	if body != "" {
		if err := yaml.Unmarshal([]byte(body), conf); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}
	return conf, nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.AccountURL == "" {
		return ErrNoAccountURL
	}
	if c.WebhookURL == "" {
		return ErrNoWebhookURL
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Wrapf(ErrInvalid, "port %d", c.Port)
	}
	if c.RegistrarPort <= 0 || c.RegistrarPort > 65535 {
		return errors.Wrapf(ErrInvalid, "registrar_port %d", c.RegistrarPort)
	}
	if c.Expires == 0 {
		return errors.Wrap(ErrInvalid, "expires must be positive")
	}
	if c.RecoveryDelay < MinRecoveryDelay || c.RecoveryDelay > MaxRecoveryDelay {
		return errors.Wrapf(ErrInvalid, "recovery_delay %s outside [%s, %s]", c.RecoveryDelay, MinRecoveryDelay, MaxRecoveryDelay)
	}
	if c.RetryInterval < time.Second {
		return errors.Wrapf(ErrInvalid, "retry_interval %s below 1s", c.RetryInterval)
	}
	if c.TryingDelay < 0 || c.RingingDelay < 0 || c.BusyDelay <= c.TryingDelay || c.BusyDelay <= c.RingingDelay {
		return errors.Wrap(ErrInvalid, "call delays must satisfy 0 <= trying, ringing < busy")
	}
	return nil
}

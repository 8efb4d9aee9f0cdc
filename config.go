package mqrpc

import (
	"time"
)

// Config is the flat, file- or env-friendly form of the client options.
type Config struct {
	URL      string
	User     string
	Password string
	Host     string
	Port     int
	ClientID string

	// FaultPolicy is one of swallow, propagate or propagate-after-reconnect.
	FaultPolicy       string
	FetchTimeout      time.Duration
	ReconnectInterval time.Duration
	LazyConnect       bool
}

// Options converts c into client options. Zero durations keep the defaults.
func (c Config) Options() ([]Option, error) {
	policy, err := ParseFaultPolicy(c.FaultPolicy)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithCredentials(Credentials{
			User:     c.User,
			Password: c.Password,
			Host:     c.Host,
			Port:     c.Port,
			URL:      c.URL,
		}),
		WithFaultPolicy(policy),
	}
	if c.ClientID != "" {
		opts = append(opts, ClientID(c.ClientID))
	}
	if c.FetchTimeout > 0 {
		opts = append(opts, FetchTimeout(c.FetchTimeout))
	}
	if c.ReconnectInterval > 0 {
		opts = append(opts, ReconnectInterval(c.ReconnectInterval))
	}
	if c.LazyConnect {
		opts = append(opts, LazyConnect())
	}
	return opts, nil
}

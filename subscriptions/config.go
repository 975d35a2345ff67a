package subscriptions

import (
	"errors"
	"time"
)

func DefaultConfig() Config {
	return Config{
		PollInterval:        5 * time.Second,
		FailureThreshold:    3,
		DeliveryTimeout:     10 * time.Second,
		Parallelism:         4,
		CountSocketFailures: true,
	}
}

type Config struct {
	// PollInterval is the time between the end of a poll pass and the start of the next one.
	PollInterval time.Duration `koanf:"pollinterval"`
	// FailureThreshold is the number of consecutive failed deliveries after which a subscription's status becomes error.
	// 0 disables escalation.
	FailureThreshold int `koanf:"failurethreshold"`
	// DeliveryTimeout bounds a single delivery attempt.
	DeliveryTimeout time.Duration `koanf:"deliverytimeout"`
	// Parallelism is the number of subscriptions processed concurrently in a poll pass.
	Parallelism int `koanf:"parallelism"`
	// CountSocketFailures specifies whether failed socket sends count towards the FailureThreshold, like webhook and message failures.
	CountSocketFailures bool          `koanf:"countsocketfailures"`
	Webhook             WebhookConfig `koanf:"webhook"`
}

type WebhookConfig struct {
	// RateLimit is the maximum number of requests per second per endpoint host. 0 means unlimited.
	RateLimit float64 `koanf:"ratelimit"`
}

func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return errors.New("subscriptions.pollinterval must be positive")
	}
	if c.DeliveryTimeout <= 0 {
		return errors.New("subscriptions.deliverytimeout must be positive")
	}
	if c.FailureThreshold < 0 {
		return errors.New("subscriptions.failurethreshold can't be negative")
	}
	if c.Parallelism < 1 {
		return errors.New("subscriptions.parallelism must be at least 1")
	}
	if c.Webhook.RateLimit < 0 {
		return errors.New("subscriptions.webhook.ratelimit can't be negative")
	}
	return nil
}

package store

import (
	"errors"
	"net/url"
)

const (
	TypeMemory = "memory"
	TypeFHIR   = "fhir"
)

const AzureManagedIdentityAuth = "azure-managedidentity"

func DefaultConfig() Config {
	return Config{
		Type: TypeMemory,
		FHIR: FHIRConfig{
			PageSize: 100,
		},
	}
}

// Config holds the configuration of the resource store the subscriptions are evaluated against.
type Config struct {
	// Type is either memory or fhir.
	Type string     `koanf:"type"`
	FHIR FHIRConfig `koanf:"fhir"`
}

func (c Config) Validate(strictMode bool) error {
	switch c.Type {
	case TypeMemory:
		if strictMode {
			return errors.New("in-memory store is not allowed in strict mode")
		}
		return nil
	case TypeFHIR:
		return c.FHIR.Validate()
	default:
		return errors.New("store type must be either memory or fhir")
	}
}

// FHIRConfig holds the configuration of a FHIR server acting as resource store.
type FHIRConfig struct {
	// BaseURL is the base URL of the FHIR server.
	BaseURL string         `koanf:"url"`
	Auth    FHIRAuthConfig `koanf:"auth"`
	// PageSize is the number of resources requested per search page (_count).
	PageSize int `koanf:"pagesize"`
}

func (c FHIRConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("FHIR store URL is not configured")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return errors.New("invalid FHIR store URL")
	}
	if c.Auth.Type != "" && c.Auth.Type != AzureManagedIdentityAuth {
		return errors.New("invalid FHIR store authentication type: " + c.Auth.Type)
	}
	if c.PageSize < 1 {
		return errors.New("FHIR store page size must be at least 1")
	}
	return nil
}

type FHIRAuthConfig struct {
	// Type of authentication to use, supported options: azure-managedidentity.
	// Leave empty for no authentication.
	Type   string   `koanf:"type"`
	Scopes []string `koanf:"scopes"`
}

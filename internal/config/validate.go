package config

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"
)

// ErrInvalidStartDate reports a start_date that cannot be parsed.
var ErrInvalidStartDate = errors.New("start_date is not a valid date")

var destinationDrivers = []string{"stdout", "sqlite", "postgres", "mysql", "mongodb"}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.StartDate != "" {
		if _, err := cast.ToTimeE(c.StartDate); err != nil {
			return errors.Wrapf(ErrInvalidStartDate, "%q", c.StartDate)
		}
	}

	switch c.Credentials.CredentialsTitle {
	case PrivateAppCredentials:
		if c.Credentials.AccessToken == "" {
			return errors.New("credentials.access_token is required for private app credentials")
		}
	case OAuthCredentials:
		if c.Credentials.ClientID == "" || c.Credentials.ClientSecret == "" || c.Credentials.RefreshToken == "" {
			return errors.New("credentials.client_id, client_secret and refresh_token are required for OAuth credentials")
		}
	default:
		return errors.Newf("credentials.credentials_title must be %q or %q, got %q",
			PrivateAppCredentials, OAuthCredentials, c.Credentials.CredentialsTitle)
	}

	if c.PageSize <= 0 {
		return errors.Newf("page_size must be > 0, got %d", c.PageSize)
	}
	if c.HTTP.RetryMax < 0 {
		return errors.Newf("http.retry_max must be >= 0, got %d", c.HTTP.RetryMax)
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return errors.Newf("http.requests_per_second must be >= 0, got %f", c.HTTP.RequestsPerSecond)
	}
	if c.Destination.Driver != "" && !slices.Contains(destinationDrivers, c.Destination.Driver) {
		return errors.Newf("destination.driver must be one of %v, got %q", destinationDrivers, c.Destination.Driver)
	}
	for _, obj := range c.CustomObjects {
		if obj.Name == "" {
			return errors.New("custom_objects entries need a name")
		}
	}
	return nil
}

package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("start_date", "2006-06-01T00:00:00.000Z")
	v.SetDefault("url_base", "https://api.hubapi.com")
	v.SetDefault("page_size", 100)
	v.SetDefault("credentials.credentials_title", PrivateAppCredentials)
	// Registered so CRMSYNC_CREDENTIALS_* environment variables are picked up.
	v.SetDefault("credentials.access_token", "")
	v.SetDefault("credentials.client_id", "")
	v.SetDefault("credentials.client_secret", "")
	v.SetDefault("credentials.refresh_token", "")

	// Transport
	v.SetDefault("http.timeout", 60*time.Second)
	v.SetDefault("http.retry_max", 5)
	v.SetDefault("http.retry_wait_min", time.Second)
	v.SetDefault("http.retry_wait_max", 60*time.Second)
	v.SetDefault("http.requests_per_second", 10.0) // private apps allow 100 per 10s

	v.SetDefault("database.path", "crmsync.db")
	v.SetDefault("destination.driver", "stdout")
}

package httpclient

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"

	"crmsync/internal/config"
)

// DefaultTokenURL is the OAuth refresh endpoint of the CRM API.
const DefaultTokenURL = "https://api.hubapi.com/oauth/v1/token"

// SelectiveAuthenticator picks the token source matching the credentials
// title: a static bearer token for private apps, or the OAuth refresh-token
// flow.
type SelectiveAuthenticator struct {
	TokenURL string
}

func (a SelectiveAuthenticator) TokenSource(ctx context.Context, creds config.Credentials) (oauth2.TokenSource, error) {
	switch creds.CredentialsTitle {
	case config.PrivateAppCredentials:
		if creds.AccessToken == "" {
			return nil, errors.New("private app credentials require an access token")
		}
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}), nil
	case config.OAuthCredentials:
		tokenURL := a.TokenURL
		if tokenURL == "" {
			tokenURL = DefaultTokenURL
		}
		oc := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
		// An expired token forces a refresh on the first request.
		seed := &oauth2.Token{RefreshToken: creds.RefreshToken, Expiry: time.Unix(1, 0)}
		return oc.TokenSource(ctx, seed), nil
	default:
		return nil, errors.Newf("unknown credentials title %q", creds.CredentialsTitle)
	}
}

// NewFromConfig builds the API client described by cfg.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Client, error) {
	ts, err := SelectiveAuthenticator{}.TokenSource(ctx, cfg.Credentials)
	if err != nil {
		return nil, errors.Wrap(err, "credentials")
	}
	return New(ctx, Options{
		Timeout:           cfg.HTTP.Timeout,
		RetryMax:          cfg.HTTP.RetryMax,
		RetryWaitMin:      cfg.HTTP.RetryWaitMin,
		RetryWaitMax:      cfg.HTTP.RetryWaitMax,
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Actions:           HubSpotResponseActions,
		TokenSource:       ts,
		UserAgent:         "crmsync",
	}), nil
}

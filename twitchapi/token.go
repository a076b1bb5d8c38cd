package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Endpoint is Twitch's OAuth2 endpoint. Twitch expects client credentials in
// the request body.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://id.twitch.tv/oauth2/authorize",
	TokenURL:  "https://id.twitch.tv/oauth2/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// TokenGetter yields a bearer token for Helix calls.
type TokenGetter interface {
	Get(ctx context.Context) (string, error)
}

// TokenSource fetches and caches a Twitch app access (client credentials)
// token. App tokens can read users but cannot moderate or chat.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	// TokenURL overrides Endpoint.TokenURL (tests).
	TokenURL   string
	HTTPClient *http.Client

	once sync.Once
	src  oauth2.TokenSource
}

func (ts *TokenSource) source() oauth2.TokenSource {
	ts.once.Do(func() {
		tokenURL := ts.TokenURL
		if tokenURL == "" {
			tokenURL = Endpoint.TokenURL
		}
		cc := &clientcredentials.Config{
			ClientID:     ts.ClientID,
			ClientSecret: ts.ClientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		}
		ctx := context.Background()
		if ts.HTTPClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
		}
		ts.src = cc.TokenSource(ctx)
	})
	return ts.src
}

// Token implements oauth2.TokenSource; the token is cached until shortly
// before it expires.
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return nil, errors.New("missing client id/secret for twitch app token")
	}
	return ts.source().Token()
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := ts.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// OAuth2Getter adapts any oauth2.TokenSource (such as the bot's refreshing
// user token) to TokenGetter.
type OAuth2Getter struct{ Source oauth2.TokenSource }

// Get returns the current access token.
func (g OAuth2Getter) Get(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := g.Source.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

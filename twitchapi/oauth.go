package twitchapi

import (
	"golang.org/x/oauth2"
)

// BotScopes are the scopes the bot's user token needs: reading and sending
// chat and banning users in channels it moderates.
var BotScopes = []string{"chat:read", "chat:edit", "moderator:manage:banned_users"}

// OAuthConfig returns the oauth2 configuration for the bot's user token.
// tokenURL overrides Endpoint.TokenURL when non-empty.
func OAuthConfig(clientID, clientSecret, tokenURL string) *oauth2.Config {
	ep := Endpoint
	if tokenURL != "" {
		ep.TokenURL = tokenURL
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     ep,
		Scopes:       BotScopes,
	}
}

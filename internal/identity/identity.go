// Package identity supplies the bearer token that gates wallet operations.
package identity

import (
	"context"

	"go.uber.org/atomic"
	"golang.org/x/oauth2"

	"edgevideo.ai/edge-wallet/internal/config"
	"edgevideo.ai/edge-wallet/pkg/log"
)

// Accessor returns the current bearer token, ok is false when none is present.
type Accessor interface {
	BearerToken() (string, bool)
}

// Static always returns the same token, the empty string reads as absent.
type Static string

func (s Static) BearerToken() (string, bool) {
	return string(s), s != ""
}

// Holder is a token set at runtime, e.g. after the user signs in through the UI.
type Holder struct {
	token *atomic.String
}

func NewHolder(token string) *Holder {
	return &Holder{token: atomic.NewString(token)}
}

func (h *Holder) Set(token string) { h.token.Store(token) }

func (h *Holder) Clear() { h.token.Store("") }

func (h *Holder) BearerToken() (string, bool) {
	t := h.token.Load()
	return t, t != ""
}

// OAuth2 reads the access token of a refreshable oauth2 token.
// An expired token that cannot be refreshed reads as absent.
type OAuth2 struct {
	src oauth2.TokenSource
}

func NewOAuth2(ctx context.Context, cred *config.Credential, token *config.Oauth2Token) *OAuth2 {
	conf := oauth2Config(cred)
	return &OAuth2{src: oauth2.ReuseTokenSource(oauth2Token(token), conf.TokenSource(ctx, oauth2Token(token)))}
}

func (o *OAuth2) BearerToken() (string, bool) {
	t, err := o.src.Token()
	if err != nil {
		log.Warnf("refresh identity token: %v", err)
		return "", false
	}
	if !t.Valid() {
		return "", false
	}
	return t.AccessToken, true
}

// FromConfig prefers a configured oauth2 client, then a static token, then an empty Holder.
func FromConfig(ctx context.Context, c config.Identity) Accessor {
	switch {
	case c.Credential.TokenURI != "" && (c.Oauth2Token.AccessToken != "" || c.Oauth2Token.RefreshToken != ""):
		return NewOAuth2(ctx, &c.Credential, &c.Oauth2Token)
	case c.StaticToken != "":
		return Static(c.StaticToken)
	default:
		return NewHolder("")
	}
}

func oauth2Config(c *config.Credential) *oauth2.Config {
	conf := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURI,
			TokenURL: c.TokenURI,
		},
	}
	if len(c.RedirectURIs) > 0 {
		conf.RedirectURL = c.RedirectURIs[0]
	}
	return conf
}

func oauth2Token(token *config.Oauth2Token) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 InfoGrep Contributors

// Package oauth implements the OIDC login flow against a discovered issuer.
// The provider returns identity facts only; principal creation and session
// issuance stay in the auth service.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/samber/oops"
	"golang.org/x/oauth2"

	"github.com/infogrep/authd/internal/auth"
)

// Provider wraps an OIDC issuer discovered at startup.
type Provider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
}

// New discovers the issuer's endpoints and builds the provider.
func New(ctx context.Context, issuer, clientID, clientSecret, redirectURL string) (*Provider, error) {
	if issuer == "" || clientID == "" || redirectURL == "" {
		return nil, oops.Code("OAUTH_CONFIG_INVALID").
			Errorf("oauth provider requires issuer, client_id and redirect_url")
	}

	oidcProvider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, oops.Code("OAUTH_DISCOVERY_FAILED").
			With("issuer", issuer).
			Wrap(err)
	}

	verifier := oidcProvider.Verifier(&oidc.Config{
		ClientID: clientID,
	})

	oauthCfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     oidcProvider.Endpoint(),
		Scopes: []string{
			oidc.ScopeOpenID,
			"profile",
			"email",
		},
	}

	return &Provider{
		oauthConfig: oauthCfg,
		verifier:    verifier,
	}, nil
}

// AuthCodeURL builds the authorization URL with PKCE parameters.
func (p *Provider) AuthCodeURL(state, codeChallenge string) string {
	return p.oauthConfig.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange trades the authorization code for a verified identity.
func (p *Provider) Exchange(ctx context.Context, code, codeVerifier string) (auth.Identity, error) {
	token, err := p.oauthConfig.Exchange(
		ctx,
		code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
	if err != nil {
		return auth.Identity{}, oops.Code("OAUTH_EXCHANGE_FAILED").
			With("operation", "exchange authorization code").
			Wrap(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return auth.Identity{}, oops.Code("OAUTH_EXCHANGE_FAILED").
			Errorf("provider did not return an id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return auth.Identity{}, oops.Code("OAUTH_VERIFY_FAILED").
			With("operation", "verify id_token").
			Wrap(err)
	}

	var claims struct {
		Subject       string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return auth.Identity{}, oops.Code("OAUTH_VERIFY_FAILED").
			With("operation", "parse id_token claims").
			Wrap(err)
	}

	if claims.Subject == "" || claims.Email == "" {
		return auth.Identity{}, oops.Code("OAUTH_VERIFY_FAILED").
			Errorf("id_token missing required claims")
	}

	return auth.Identity{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
	}, nil
}

// GenerateState produces a random state parameter for CSRF protection.
func GenerateState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", oops.Code("OAUTH_STATE_FAILED").Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GeneratePKCE produces a code verifier and its S256 challenge.
func GeneratePKCE() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", oops.Code("OAUTH_PKCE_FAILED").Wrap(err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
)

// Environment variable names read by EnvProvider and FileProvider.
const (
	EnvSessionID = "TV_SESSION_ID"
	EnvSignature = "TV_SESSION_SIGN"
	EnvAuthToken = "TV_AUTH_TOKEN"
)

// Credentials authenticate the streaming connection. SessionID and
// Signature are the platform's sessionid / sessionid_sign cookies; AuthToken
// is the bearer token sent with set_auth_token and decoded for the plan tier.
type Credentials struct {
	SessionID string
	Signature string
	AuthToken string
}

// Validate fails with CONFIG when the cookie pair is incomplete.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.SessionID) == "" {
		missing = append(missing, EnvSessionID)
	}
	if strings.TrimSpace(c.Signature) == "" {
		missing = append(missing, EnvSignature)
	}
	if len(missing) > 0 {
		return apperr.Newf(apperr.CodeConfig, "missing credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

// CookieHeader renders the Cookie header for the websocket handshake.
func (c Credentials) CookieHeader() string {
	return fmt.Sprintf("sessionid=%s; sessionid_sign=%s", c.SessionID, c.Signature)
}

// String masks the secrets so credentials are safe to log.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{session=%s, sign=%s, token=%t}", mask(c.SessionID), mask(c.Signature), c.AuthToken != "")
}

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 4)
}

// Provider supplies credentials.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// EnvProvider reads credentials from the process environment.
type EnvProvider struct {
	Lookup func(string) string
}

func (p EnvProvider) Credentials(_ context.Context) (Credentials, error) {
	get := p.Lookup
	if get == nil {
		get = os.Getenv
	}
	c := Credentials{
		SessionID: strings.TrimSpace(get(EnvSessionID)),
		Signature: strings.TrimSpace(get(EnvSignature)),
		AuthToken: strings.TrimSpace(get(EnvAuthToken)),
	}
	return c, c.Validate()
}

// FileProvider reads credentials from a dotenv-format file without touching
// the process environment.
type FileProvider struct {
	Path string
}

func (p FileProvider) Credentials(_ context.Context) (Credentials, error) {
	vals, err := godotenv.Read(p.Path)
	if err != nil {
		return Credentials{}, apperr.New(apperr.CodeConfig, "read credentials file "+p.Path, err)
	}
	return EnvProvider{Lookup: func(k string) string { return vals[k] }}.Credentials(context.Background())
}

// Chain tries each provider in order and returns the first valid result.
type Chain []Provider

func (ch Chain) Credentials(ctx context.Context) (Credentials, error) {
	var errs []error
	for _, p := range ch {
		c, err := p.Credentials(ctx)
		if err == nil {
			return c, nil
		}
		slog.Debug("credential provider failed", "provider", fmt.Sprintf("%T", p), "error", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Credentials{}, apperr.New(apperr.CodeConfig, "no credential providers configured", nil)
	}
	return Credentials{}, apperr.New(apperr.CodeConfig, "no credential provider succeeded", errors.Join(errs...))
}

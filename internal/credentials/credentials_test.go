package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chromedp/cdproto/target"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
)

func TestValidate(t *testing.T) {
	err := Credentials{SessionID: "abc"}.Validate()
	if !apperr.Is(err, apperr.CodeConfig) {
		t.Fatalf("Validate() = %v; want CONFIG", err)
	}
	if !strings.Contains(err.Error(), EnvSignature) || strings.Contains(err.Error(), EnvSessionID) {
		t.Fatalf("Validate() message %q should name only the missing signature", err)
	}
	if err := (Credentials{SessionID: "a", Signature: "b"}).Validate(); err != nil {
		t.Fatalf("Validate() = %v; want nil", err)
	}
}

func TestEnvProvider(t *testing.T) {
	env := map[string]string{
		EnvSessionID: " sid ",
		EnvSignature: "sig",
		EnvAuthToken: "tok",
	}
	c, err := EnvProvider{Lookup: func(k string) string { return env[k] }}.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if c.SessionID != "sid" || c.Signature != "sig" || c.AuthToken != "tok" {
		t.Fatalf("Credentials() = %+v", c)
	}
	if got := c.CookieHeader(); got != "sessionid=sid; sessionid_sign=sig" {
		t.Fatalf("CookieHeader() = %q", got)
	}
}

func TestFileProviderAndChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.env")
	body := EnvSessionID + "=filesid\n" + EnvSignature + "=filesig\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	empty := EnvProvider{Lookup: func(string) string { return "" }}
	c, err := Chain{empty, FileProvider{Path: path}}.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Chain.Credentials() error = %v", err)
	}
	if c.SessionID != "filesid" || c.Signature != "filesig" {
		t.Fatalf("Chain.Credentials() = %+v", c)
	}

	_, err = Chain{empty, FileProvider{Path: filepath.Join(t.TempDir(), "missing.env")}}.Credentials(context.Background())
	if !apperr.Is(err, apperr.CodeConfig) {
		t.Fatalf("Chain.Credentials() error = %v; want CONFIG", err)
	}
}

func TestStringMasksSecrets(t *testing.T) {
	s := Credentials{SessionID: "supersecretsession", Signature: "v1:signature", AuthToken: "x"}.String()
	if strings.Contains(s, "supersecretsession") || strings.Contains(s, "v1:signature") {
		t.Fatalf("String() leaks secrets: %s", s)
	}
}

func TestChartTab(t *testing.T) {
	targets := []*target.Info{
		{TargetID: "bg", Type: "service_worker", URL: "https://www.tradingview.com/sw.js"},
		{TargetID: "blank", Type: "page", URL: "about:blank"},
		{TargetID: "chart", Type: "page", URL: "https://www.tradingview.com/chart/abc/"},
	}
	if got := chartTab(targets); got != "chart" {
		t.Fatalf("chartTab() = %q; want chart", got)
	}
	if got := chartTab(targets[:2]); got != "" {
		t.Fatalf("chartTab(no chart) = %q; want empty", got)
	}
}

func TestBrowserProviderRequiresURL(t *testing.T) {
	_, err := BrowserProvider{}.Credentials(context.Background())
	if !apperr.Is(err, apperr.CodeConfig) {
		t.Fatalf("Credentials() error = %v; want CONFIG", err)
	}
}

package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
)

const (
	siteURL        = "https://www.tradingview.com"
	cookieSession  = "sessionid"
	cookieSign     = "sessionid_sign"
	authTokenJS    = `(window.user && window.user.auth_token) || ""`
	defaultTimeout = 15 * time.Second
)

// BrowserProvider reads the session cookies (and, when a chart tab is open,
// the bearer token) from a running Chromium over its DevTools endpoint.
type BrowserProvider struct {
	CDPURL  string
	Timeout time.Duration
}

func (p BrowserProvider) Credentials(ctx context.Context) (Credentials, error) {
	if p.CDPURL == "" {
		return Credentials{}, apperr.New(apperr.CodeConfig, "browser provider: CDP URL not set", nil)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, p.CDPURL)
	defer allocCancel()

	probeCtx, probeCancel := chromedp.NewContext(allocCtx)
	defer probeCancel()
	if err := chromedp.Run(probeCtx); err != nil {
		return Credentials{}, apperr.New(apperr.CodeConfig, "browser provider: connect", err)
	}

	targets, err := chromedp.Targets(probeCtx)
	if err != nil {
		return Credentials{}, apperr.New(apperr.CodeConfig, "browser provider: list targets", err)
	}
	tabID := chartTab(targets)

	tabCtx := probeCtx
	if tabID != "" {
		var tabCancel context.CancelFunc
		tabCtx, tabCancel = chromedp.NewContext(allocCtx, chromedp.WithTargetID(tabID))
		defer tabCancel()
	}

	var creds Credentials
	err = chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().WithURLs([]string{siteURL}).Do(ctx)
		if err != nil {
			return fmt.Errorf("get cookies: %w", err)
		}
		for _, c := range cookies {
			switch c.Name {
			case cookieSession:
				creds.SessionID = c.Value
			case cookieSign:
				creds.Signature = c.Value
			}
		}
		return nil
	}))
	if err != nil {
		return Credentials{}, apperr.New(apperr.CodeConfig, "browser provider: read cookies", err)
	}

	if tabID != "" {
		var token string
		if err := chromedp.Run(tabCtx, chromedp.Evaluate(authTokenJS, &token)); err != nil {
			slog.Warn("browser provider: auth token unavailable", "error", err)
		}
		creds.AuthToken = token
	}

	slog.Info("browser credentials loaded", "credentials", creds.String(), "chart_tab", tabID != "")
	return creds, creds.Validate()
}

func chartTab(targets []*target.Info) target.ID {
	for _, t := range targets {
		if t.Type == "page" && strings.Contains(t.URL, "tradingview.com") {
			return t.TargetID
		}
	}
	return ""
}

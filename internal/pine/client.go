// Package pine loads script definitions (inputs and compiled template) from
// the platform's script facade.
package pine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/tvbacktest/internal/apperr"
	"github.com/dgnsrekt/tvbacktest/internal/credentials"
	"github.com/dgnsrekt/tvbacktest/internal/params"
)

const (
	DefaultBaseURL = "https://pine-facade.tradingview.com/pine-facade"
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 8 << 20
)

// reserved inputs are rendered by the study encoder itself.
var reserved = map[string]bool{"text": true, "pineId": true, "pineVersion": true}

var nonWord = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Client fetches and caches script definitions.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Creds   credentials.Credentials

	mu    sync.Mutex
	cache map[string]*params.Script
}

// NewClient returns a Client authenticating with creds' session cookie.
func NewClient(baseURL string, creds credentials.Credentials) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: defaultTimeout},
		Creds:   creds,
		cache:   make(map[string]*params.Script),
	}
}

type translateResponse struct {
	Success bool            `json:"success"`
	Reason  string          `json:"reason"`
	Result  json.RawMessage `json:"result"`
}

type translateResult struct {
	ILTemplate string   `json:"ilTemplate"`
	MetaInfo   metaInfo `json:"metaInfo"`
}

type metaInfo struct {
	Description        string      `json:"description"`
	ShortDescription   string      `json:"shortDescription"`
	IsTVScriptStrategy bool        `json:"isTVScriptStrategy"`
	Pine               pineVersion `json:"pine"`
	Inputs             []metaInput `json:"inputs"`
}

type pineVersion struct {
	Version string `json:"version"`
}

type metaInput struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Inline     string `json:"inline"`
	InternalID string `json:"internalID"`
	Type       string `json:"type"`
	Defval     any    `json:"defval"`
	Options    []any  `json:"options"`
	IsHidden   bool   `json:"isHidden"`
	IsFake     bool   `json:"isFake"`
}

// Script returns the definition of id at version ("last" when empty).
// Results are cached per id and version.
func (c *Client) Script(ctx context.Context, id, version string) (*params.Script, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.New(apperr.CodeValidation, "script id is required", nil)
	}
	if version == "" {
		version = "last"
	}
	key := id + "@" + version

	c.mu.Lock()
	if s, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	endpoint := fmt.Sprintf("%s/translate/%s/%s", c.BaseURL, url.PathEscape(id), url.PathEscape(version))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("pine: build request: %w", err)
	}
	if c.Creds.SessionID != "" {
		req.Header.Set("Cookie", c.Creds.CookieHeader())
	}
	req.Header.Set("Accept", "application/json")

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.New(apperr.CodeTimeout, "loading script", err).With("script", id)
		}
		return nil, apperr.New(apperr.CodeConnection, "script facade unreachable", err).With("script", id)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.New(apperr.CodeConnection, "reading script facade response", err).With("script", id)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperr.New(apperr.CodeNotFound, "script not found", nil).With("script", id).With("version", version)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperr.Newf(apperr.CodeAuth, "script facade rejected credentials: status=%d", resp.StatusCode).With("script", id)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, apperr.Newf(apperr.CodeConnection, "script facade failed: status=%d", resp.StatusCode).With("script", id)
	}

	script, err := decodeTranslate(body)
	if err != nil {
		return nil, apperr.New(apperr.CodeStudy, "invalid script definition", err).With("script", id).With("version", version)
	}
	script.PineID = id

	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]*params.Script)
	}
	c.cache[key] = script
	c.mu.Unlock()
	slog.Debug("script loaded", "script", id, "version", script.PineVersion, "inputs", len(script.Inputs), "strategy", script.IsStrategy)
	return script, nil
}

// Forget drops cached definitions of id.
func (c *Client) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.cache {
		if strings.HasPrefix(k, id+"@") {
			delete(c.cache, k)
		}
	}
}

func decodeTranslate(body []byte) (*params.Script, error) {
	var resp translateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !resp.Success {
		reason := resp.Reason
		if reason == "" {
			reason = "facade reported failure"
		}
		return nil, errors.New(reason)
	}
	var res translateResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if res.ILTemplate == "" {
		return nil, fmt.Errorf("result has no compiled template")
	}

	meta := res.MetaInfo
	script := &params.Script{
		PineVersion: meta.Pine.Version,
		Description: meta.Description,
		Template:    res.ILTemplate,
		IsStrategy:  meta.IsTVScriptStrategy,
		Inputs:      make(map[string]params.Input, len(meta.Inputs)),
	}
	if script.Description == "" {
		script.Description = meta.ShortDescription
	}
	for _, in := range meta.Inputs {
		if reserved[in.ID] || in.ID == "" {
			continue
		}
		fallback := nonWord.ReplaceAllString(strings.ReplaceAll(in.Name, " ", "_"), "")
		inline, internal := in.Inline, in.InternalID
		if inline == "" {
			inline = fallback
		}
		if internal == "" {
			internal = fallback
		}
		script.Inputs[in.ID] = params.Input{
			ID:         in.ID,
			Name:       in.Name,
			Inline:     inline,
			InternalID: internal,
			Type:       params.ParseInputType(in.Type),
			Default:    in.Defval,
			Options:    optionStrings(in.Options),
			Hidden:     in.IsHidden || in.IsFake,
		}
	}
	return script, nil
}

func optionStrings(opts []any) []string {
	if len(opts) == 0 {
		return nil
	}
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		out = append(out, fmt.Sprint(o))
	}
	return out
}

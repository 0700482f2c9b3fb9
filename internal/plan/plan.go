package plan

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Account tiers as reported in the bearer token "plan" claim.
const (
	TierFree         = "free"
	TierPro          = "pro"
	TierProTrial     = "pro_trial"
	TierProPlus      = "pro_plus"
	TierProPlusTrial = "pro_plus_trial"
	TierPremium      = "pro_premium"
	TierPremiumTrial = "pro_premium_trial"
)

// Server variants of the streaming endpoint.
const (
	ServerData        = "data"
	ServerProData     = "prodata"
	ServerHistoryData = "history-data"
)

// Limits are the numeric capacities derived from a tier.
type Limits struct {
	MaxRegularBars int `json:"max_regular_bars" yaml:"max_regular_bars"`
	MaxStudies     int `json:"max_studies" yaml:"max_studies"`
}

var defaultLimits = map[string]Limits{
	TierFree:         {MaxRegularBars: 5000, MaxStudies: 2},
	TierPro:          {MaxRegularBars: 10000, MaxStudies: 5},
	TierProTrial:     {MaxRegularBars: 10000, MaxStudies: 5},
	TierProPlus:      {MaxRegularBars: 10000, MaxStudies: 10},
	TierProPlusTrial: {MaxRegularBars: 10000, MaxStudies: 10},
	TierPremium:      {MaxRegularBars: 20000, MaxStudies: 25},
	TierPremiumTrial: {MaxRegularBars: 20000, MaxStudies: 25},
}

// Normalize maps an empty or unknown-cased tier to its canonical name.
func Normalize(tier string) string {
	tier = strings.ToLower(strings.TrimSpace(tier))
	if tier == "" {
		return TierFree
	}
	return tier
}

// LimitsFor returns the default limits for a tier. Unknown tiers get free limits.
func LimitsFor(tier string) Limits {
	if l, ok := defaultLimits[Normalize(tier)]; ok {
		return l
	}
	return defaultLimits[TierFree]
}

// IsPaid reports whether the tier pays for a subscription.
func IsPaid(tier string) bool {
	return Normalize(tier) != TierFree
}

// ServerFor picks the streaming server variant for a tier.
func ServerFor(tier string) string {
	if IsPaid(tier) {
		return ServerProData
	}
	return ServerData
}

// DecodeTier reads the "plan" claim from the middle segment of a bearer token.
func DecodeTier(token string) (string, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) < 2 || parts[1] == "" {
		return "", fmt.Errorf("plan: token has no payload segment")
	}
	seg := strings.TrimRight(parts[1], "=")
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return "", fmt.Errorf("plan: decode payload: %w", err)
	}
	var claims struct {
		Plan string `json:"plan"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return "", fmt.Errorf("plan: unmarshal payload: %w", err)
	}
	return Normalize(claims.Plan), nil
}

// Detector caches the account tier for the lifetime of the owning client.
// Detection is advisory: any decode failure yields the free tier.
type Detector struct {
	tokenSource func() string
	overrides   map[string]Limits

	mu     sync.Mutex
	cached bool
	tier   string
}

// NewDetector returns a Detector reading the bearer token from tokenSource.
func NewDetector(tokenSource func() string) *Detector {
	return &Detector{tokenSource: tokenSource}
}

// WithLimits overrides the limits for specific tiers.
func (d *Detector) WithLimits(overrides map[string]Limits) *Detector {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overrides = make(map[string]Limits, len(overrides))
	for k, v := range overrides {
		d.overrides[Normalize(k)] = v
	}
	return d
}

// Tier returns the cached tier, detecting it on first use.
func (d *Detector) Tier() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached {
		return d.tier
	}

	token := ""
	if d.tokenSource != nil {
		token = d.tokenSource()
	}
	tier, err := DecodeTier(token)
	if err != nil {
		slog.Debug("plan detection fell back to free tier", "error", err)
		tier = TierFree
	}
	d.tier = tier
	d.cached = true
	slog.Info("account plan detected", "tier", tier)
	return tier
}

// Limits returns the capacities of the detected tier.
func (d *Detector) Limits() Limits {
	tier := d.Tier()
	d.mu.Lock()
	l, ok := d.overrides[tier]
	d.mu.Unlock()
	if ok {
		return l
	}
	return LimitsFor(tier)
}

// Server returns the streaming server variant for the detected tier.
func (d *Detector) Server() string {
	return ServerFor(d.Tier())
}

// Reset clears the cached tier so the next call decodes the token again.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.cached = false
	d.tier = ""
	d.mu.Unlock()
}

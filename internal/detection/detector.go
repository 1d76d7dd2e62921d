// Package detection runs the rule detectors over canonical events.
package detection

import (
	"context"
	"fmt"
	"math"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"iam-monitor/internal/schema"
)

// Detector inspects one event and returns its verdict. Implementations are
// safe for concurrent use and must honour ctx for any lookup they make.
type Detector interface {
	Name() string
	Detect(ctx context.Context, ev *schema.Event) schema.DetectionResult
}

// Config holds detector thresholds and allowlists.
type Config struct {
	Timeout               time.Duration `yaml:"timeout"`
	ThreatThreshold       int           `yaml:"threat_threshold" validate:"min=1,max=100"`
	WhitelistedPrincipals []string      `yaml:"whitelisted_principals"`
	TrustedAccounts       []string      `yaml:"trusted_accounts"`
	CICDIPRanges          []string      `yaml:"cicd_ip_ranges"`

	BusinessHourStart int `yaml:"business_hour_start" validate:"min=0,max=23"`
	BusinessHourEnd   int `yaml:"business_hour_end" validate:"min=1,max=24"`

	KeyRotationDays       int           `yaml:"key_rotation_days" validate:"min=1"`
	DormantDays           int           `yaml:"dormant_days" validate:"min=1"`
	MaxImpersonationDepth int           `yaml:"max_impersonation_depth" validate:"min=2"`
	RapidChangeWindow     time.Duration `yaml:"rapid_change_window"`
	RapidChangeLimit      int           `yaml:"rapid_change_limit" validate:"min=1"`
}

// DefaultConfig returns the production detector settings.
func DefaultConfig() Config {
	return Config{
		Timeout:               2 * time.Second,
		ThreatThreshold:       40,
		BusinessHourStart:     6,
		BusinessHourEnd:       22,
		KeyRotationDays:       90,
		DormantDays:           30,
		MaxImpersonationDepth: 3,
		RapidChangeWindow:     time.Hour,
		RapidChangeLimit:      2,
	}
}

// offHours reports whether t falls outside business hours (UTC) or on a
// weekend.
func (c Config) offHours(t time.Time) bool {
	t = t.UTC()
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return true
	}
	h := t.Hour()
	return h < c.BusinessHourStart || h >= c.BusinessHourEnd
}

func (c Config) whitelisted(principal string) bool {
	return principal != "" && slices.Contains(c.WhitelistedPrincipals, principal)
}

func (c Config) trustedAccount(account string) bool {
	return account != "" && slices.Contains(c.TrustedAccounts, account)
}

// fromCICD matches ip against the CI/CD ranges, which may be CIDRs or
// plain address prefixes.
func (c Config) fromCICD(ip string) bool {
	addr := net.ParseIP(ip)
	for _, r := range c.CICDIPRanges {
		if _, network, err := net.ParseCIDR(r); err == nil {
			if addr != nil && network.Contains(addr) {
				return true
			}
			continue
		}
		if strings.HasPrefix(ip, r) {
			return true
		}
	}
	return false
}

// History answers questions about what a principal or bucket did before.
type History interface {
	HadPublicExposure(ctx context.Context, bucket string) (bool, error)
	PolicyChanges(ctx context.Context, principal string, since time.Time) (int, error)
	LastSeen(ctx context.Context, principal string) (time.Time, bool, error)
	SourceIPSeen(ctx context.Context, principal, ip string) (seen, known bool, err error)
}

// KeyInventory lists the access keys of an IAM user.
type KeyInventory interface {
	AccessKeys(ctx context.Context, user string) ([]AccessKey, error)
}

// NetworkClassifier tells whether an address belongs to a cloud provider.
type NetworkClassifier interface {
	CloudHosted(ip string) bool
}

// Deps are the optional lookups injected into detectors. Nil members
// disable the factors that need them.
type Deps struct {
	History  History
	Keys     KeyInventory
	Networks NetworkClassifier
}

// factor is one triggered rule and the points it carries.
type factor struct {
	rule   string
	name   string
	points int
}

// scaling multiplies the peak factor before adjustments apply.
type scaling struct {
	rule   string
	name   string
	factor float64
}

// assessment collects the factors and score adjustments for one event.
type assessment struct {
	factors []factor
	bonuses []factor
	scaling []scaling
	details map[string]string
	actions []schema.ActionType
}

func newAssessment() *assessment {
	return &assessment{details: make(map[string]string)}
}

func (a *assessment) add(rule, name string, points int) {
	a.factors = append(a.factors, factor{rule: rule, name: name, points: points})
}

// adjust records a signed scaling term; adjustments only apply once a
// factor has triggered.
func (a *assessment) adjust(rule, name string, points int) {
	a.bonuses = append(a.bonuses, factor{rule: rule, name: name, points: points})
}

func (a *assessment) multiply(rule, name string, f float64) {
	a.scaling = append(a.scaling, scaling{rule: rule, name: name, factor: f})
}

func (a *assessment) detail(key, value string) {
	a.details[key] = value
}

func (a *assessment) recommend(actions ...schema.ActionType) {
	for _, act := range actions {
		if !slices.Contains(a.actions, act) {
			a.actions = append(a.actions, act)
		}
	}
}

func (a *assessment) has(name string) bool {
	return slices.ContainsFunc(a.factors, func(f factor) bool { return f.name == name })
}

func (a *assessment) maxPoints() int {
	best := 0
	for _, f := range a.factors {
		best = max(best, f.points)
	}
	return best
}

func (a *assessment) sumPoints() int {
	total := 0
	for _, f := range a.factors {
		total += f.points
	}
	return total
}

func (a *assessment) adjustments() int {
	total := 0
	for _, b := range a.bonuses {
		total += b.points
	}
	return total
}

// peak combines factors as the highest factor, scaled, plus adjustments.
func (a *assessment) peak() int {
	if len(a.factors) == 0 {
		return 0
	}
	base := a.maxPoints()
	for _, s := range a.scaling {
		base = scale(base, s.factor)
	}
	return clampScore(base + a.adjustments())
}

// total combines factors as their sum plus adjustments.
func (a *assessment) total() int {
	if len(a.factors) == 0 {
		return 0
	}
	return clampScore(a.sumPoints() + a.adjustments())
}

// result turns the assessment into a verdict for detector name.
func (a *assessment) result(name string, score, threshold int) schema.DetectionResult {
	res := schema.DetectionResult{
		DetectorName: name,
		Confidence:   0.9,
	}
	if len(a.factors) == 0 {
		if len(a.details) > 0 {
			res.Details = a.details
		}
		return res
	}
	for _, f := range a.factors {
		res.RuleIDs = appendUnique(res.RuleIDs, f.rule)
		a.details["factor."+f.name] = strconv.Itoa(f.points)
	}
	for _, b := range a.bonuses {
		res.RuleIDs = appendUnique(res.RuleIDs, b.rule)
		a.details["adjust."+b.name] = fmt.Sprintf("%+d", b.points)
	}
	for _, s := range a.scaling {
		res.RuleIDs = appendUnique(res.RuleIDs, s.rule)
		a.details["scale."+s.name] = strconv.FormatFloat(s.factor, 'f', -1, 64)
	}
	res.Details = a.details
	res.IsThreat = score >= threshold
	res.Confidence = min(0.95, 0.5+0.1*float64(len(a.factors)))
	if res.IsThreat {
		res.RiskContribution = score
		res.RecommendedActions = a.actions
	}
	return res
}

// notApplicable is the verdict for events a detector does not handle.
func notApplicable(name, reason string) schema.DetectionResult {
	return schema.DetectionResult{
		DetectorName: name,
		Confidence:   1,
		Details:      map[string]string{"reason": reason},
	}
}

func clampScore(v int) int {
	return min(100, max(0, v))
}

func scale(points int, factor float64) int {
	return clampScore(int(math.Round(float64(points) * factor)))
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

// requestTag returns the value of a tag carried in the request, accepting
// both the list-of-pairs and the map form.
func requestTag(ev *schema.Event, key string) (string, bool) {
	for _, field := range []string{"tags", "Tags", "tagSet"} {
		switch tags := ev.RequestParameters[field].(type) {
		case map[string]any:
			for k, v := range tags {
				if strings.EqualFold(k, key) {
					s, _ := v.(string)
					return s, true
				}
			}
		case []any:
			for _, item := range tags {
				pair, ok := item.(map[string]any)
				if !ok {
					continue
				}
				k, _ := firstOf(pair, "key", "Key").(string)
				if strings.EqualFold(k, key) {
					v, _ := firstOf(pair, "value", "Value").(string)
					return v, true
				}
			}
		}
	}
	return "", false
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

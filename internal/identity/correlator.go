package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"iam-monitor/internal/schema"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Config controls identity correlation.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	CacheSize     int           `yaml:"cache_size" validate:"min=1"`
	CacheTTL      time.Duration `yaml:"cache_ttl" validate:"min=0"`
	LookupTimeout time.Duration `yaml:"lookup_timeout" validate:"min=0"`
}

// DefaultConfig keeps 4096 identities for 15 minutes.
func DefaultConfig() Config {
	return Config{
		CacheSize:     4096,
		CacheTTL:      15 * time.Minute,
		LookupTimeout: 2 * time.Second,
	}
}

// RiskSource resolves identities and their risk in the governance system.
type RiskSource interface {
	FindIdentity(ctx context.Context, alias string) (*Identity, error)
	RiskScore(ctx context.Context, identityID string) (float64, error)
}

// Remediator receives quarantine requests for departed identities.
type Remediator interface {
	Remediate(ctx context.Context, risk *schema.AggregatedRisk) (*schema.RemediationResult, error)
}

// LifecycleOutcome reports what a lifecycle event changed.
type LifecycleOutcome struct {
	EventID     string                      `json:"event_id"`
	Type        EventType                   `json:"event_type"`
	IdentityID  string                      `json:"identity_id"`
	Score       float64                     `json:"score"`
	Quarantines []*schema.RemediationResult `json:"quarantines,omitempty"`
}

type cachedSignal struct {
	score float64
	known bool
}

// Correlator supplies the identity signal for the risk aggregator.
type Correlator struct {
	cfg        Config
	source     RiskSource
	remediator Remediator
	scores     *expirable.LRU[string, cachedSignal]
	logger     *slog.Logger
	now        func() time.Time
}

// NewCorrelator creates a correlator. source may be nil, in which case
// only lifecycle events feed the cache; remediator may be nil to disable
// quarantine requests.
func NewCorrelator(cfg Config, source RiskSource, remediator Remediator, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultConfig().LookupTimeout
	}
	return &Correlator{
		cfg:        cfg,
		source:     source,
		remediator: remediator,
		scores:     expirable.NewLRU[string, cachedSignal](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:     logger.With("component", "identity"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Signal returns the identity risk (0-100) behind principal, or nil when
// the principal maps to no known identity.
func (c *Correlator) Signal(ctx context.Context, principal string) (*float64, error) {
	alias := PrincipalAlias(principal)
	if alias == "" {
		return nil, nil
	}
	if s, ok := c.scores.Get(alias); ok {
		if !s.known {
			return nil, nil
		}
		v := s.score
		return &v, nil
	}
	if c.source == nil {
		return nil, nil
	}

	lctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	id, err := c.source.FindIdentity(lctx, alias)
	if errors.Is(err, ErrIdentityNotFound) {
		c.scores.Add(alias, cachedSignal{})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity lookup %s: %w", alias, err)
	}
	score, err := c.source.RiskScore(lctx, id.ID)
	if err != nil {
		return nil, fmt.Errorf("identity risk %s: %w", id.ID, err)
	}
	score = math.Max(0, math.Min(100, score))
	c.scores.Add(alias, cachedSignal{score: score, known: true})
	return &score, nil
}

// CacheLen returns the number of cached identity signals.
func (c *Correlator) CacheLen() int {
	return c.scores.Len()
}

// HandleWebhook verifies and applies one lifecycle webhook.
func (c *Correlator) HandleWebhook(ctx context.Context, secret, body []byte, signature string) (*LifecycleOutcome, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	if err := VerifySignature(secret, body, signature); err != nil {
		return nil, err
	}
	ev, err := ParseLifecycleEvent(body)
	if err != nil {
		return nil, err
	}
	return c.HandleLifecycle(ctx, ev)
}

// HandleLifecycle caches the event's score under every alias of the
// identity and, for leavers and certification revocations, requests
// quarantine of each linked cloud principal.
func (c *Correlator) HandleLifecycle(ctx context.Context, ev *LifecycleEvent) (*LifecycleOutcome, error) {
	score := ev.RiskScore()
	for _, alias := range ev.aliases() {
		c.scores.Add(alias, cachedSignal{score: score, known: true})
	}

	out := &LifecycleOutcome{
		EventID:    ev.EventID,
		Type:       ev.Type,
		IdentityID: ev.Identity.ID,
		Score:      score,
	}
	c.logger.Info("identity lifecycle event",
		"event_id", ev.EventID,
		"type", ev.Type,
		"identity_id", ev.Identity.ID,
		"score", score,
	)

	if !ev.RequiresQuarantine() || c.remediator == nil {
		return out, nil
	}
	if len(ev.CloudPrincipals) == 0 {
		c.logger.Warn("no cloud principal linked to identity, skipping quarantine",
			"event_id", ev.EventID,
			"identity_id", ev.Identity.ID,
		)
		return out, nil
	}

	var errs []error
	for _, principal := range ev.CloudPrincipals {
		res, err := c.remediator.Remediate(ctx, c.quarantineRequest(ev, principal, score))
		if err != nil {
			errs = append(errs, fmt.Errorf("quarantine %s: %w", principal, err))
		}
		if res != nil {
			out.Quarantines = append(out.Quarantines, res)
		}
	}
	return out, errors.Join(errs...)
}

// quarantineFloor is the lowest score of a quarantine the identity system
// decided. Leavers and revoked certifications are acted on whatever the
// lifecycle score says, so the request always reaches HIGH.
const quarantineFloor = 60

// quarantineRequest builds the risk record for one principal. Its id is
// derived from the lifecycle event so redelivered webhooks stay idempotent.
func (c *Correlator) quarantineRequest(ev *LifecycleEvent, principal string, score float64) *schema.AggregatedRisk {
	id := "iga-" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(ev.EventID+"|"+principal)).String()
	rounded := max(int(math.Round(score)), quarantineFloor)
	signal := score
	return &schema.AggregatedRisk{
		EventID:            id,
		RiskScore:          rounded,
		Severity:           schema.SeverityFor(rounded),
		IdentitySignal:     &signal,
		IdentityPoints:     score,
		RecommendedActions: []schema.ActionType{schema.ActionQuarantineIdentity},
		Principal:          principal,
		Resource:           principal,
		EvaluatedAt:        c.now(),
		Event: &schema.Event{
			EventID:     id,
			EventTime:   ev.Timestamp,
			EventName:   "IdentityLifecycle" + lifecycleSuffix(ev.Type),
			EventSource: "sailpoint",
			Principal:   principal,
			Resource:    principal,
			ReceivedAt:  c.now(),
		},
	}
}

func lifecycleSuffix(t EventType) string {
	parts := strings.Split(string(t), "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "")
}

// PrincipalAlias maps a principal to the account name an identity system
// would know it by: the IAM user name or the assumed-role session name.
// Roots and bare roles have no alias.
func PrincipalAlias(principal string) string {
	a, ok := schema.ParseARN(principal)
	if !ok {
		return strings.ToLower(strings.TrimSpace(principal))
	}
	segs := strings.Split(a.Resource, "/")
	switch segs[0] {
	case "user":
		return strings.ToLower(segs[len(segs)-1])
	case "assumed-role":
		if len(segs) >= 3 {
			return strings.ToLower(segs[2])
		}
	}
	return ""
}

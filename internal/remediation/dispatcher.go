// Package remediation executes corrective actions for high risk events,
// at most once per event, and rolls them back on request.
package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"iam-monitor/internal/schema"
	"iam-monitor/internal/storage"
	"iam-monitor/internal/storage/kv"

	"github.com/google/uuid"
)

// Config controls eligibility, retries and deadlines.
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	DryRun        bool          `yaml:"dry_run"`
	Whitelist     []string      `yaml:"whitelisted_principals"`
	MinSeverity   string        `yaml:"min_severity" validate:"oneof=HIGH CRITICAL"`
	Retry         RetryConfig   `yaml:"retry"`
	ActionTimeout time.Duration `yaml:"action_timeout" validate:"min=0"`
	PlanTimeout   time.Duration `yaml:"plan_timeout" validate:"min=0"`
	ClaimTTL      time.Duration `yaml:"claim_ttl" validate:"min=0"`
	PollInterval  time.Duration `yaml:"poll_interval" validate:"min=0"`
	PollTimeout   time.Duration `yaml:"poll_timeout" validate:"min=0"`
	// QuarantinePolicy names the inline deny-all policy attached to a
	// quarantined identity.
	QuarantinePolicy string `yaml:"quarantine_policy" validate:"required"`
}

// DefaultConfig returns the production settings. Remediation is enabled
// but DryRun must be switched off explicitly.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		DryRun:           true,
		MinSeverity:      string(schema.SeverityHigh),
		Retry:            DefaultRetryConfig(),
		ActionTimeout:    15 * time.Second,
		PlanTimeout:      60 * time.Second,
		ClaimTTL:         7 * 24 * time.Hour,
		PollInterval:     250 * time.Millisecond,
		PollTimeout:      10 * time.Second,
		QuarantinePolicy: "iam-monitor-quarantine",
	}
}

// Executor applies one action type. Forward executors return the state
// needed to undo the change; inverse executors receive it in Action.State.
type Executor interface {
	Type() schema.ActionType
	Execute(ctx context.Context, a Action) (json.RawMessage, error)
}

// DedupIndex is an atomic claim on a key.
type DedupIndex interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// ResultCache holds results for fast idempotent replies.
type ResultCache interface {
	PutResult(ctx context.Context, res *schema.RemediationResult) error
	GetResult(ctx context.Context, eventID string) (*schema.RemediationResult, error)
}

// Store is the durable remediation log.
type Store interface {
	SaveRemediation(ctx context.Context, res *schema.RemediationResult) error
	GetRemediation(ctx context.Context, eventID string) (*schema.RemediationResult, error)
	SaveRollback(ctx context.Context, rb *schema.RollbackResult) error
}

// Observer is told about every finished action.
type Observer func(action schema.ActionType, status schema.ActionStatus, attempts int)

// Dispatcher runs remediation plans.
type Dispatcher struct {
	cfg       Config
	dedup     DedupIndex
	cache     ResultCache
	store     Store
	logger    *slog.Logger
	now       func() time.Time
	observer  Observer
	whitelist map[string]bool

	mu        sync.RWMutex
	executors map[schema.ActionType]Executor
}

// NewDispatcher creates a dispatcher. store may be nil.
func NewDispatcher(cfg Config, dedup DedupIndex, cache ResultCache, store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	wl := make(map[string]bool, len(cfg.Whitelist))
	for _, p := range cfg.Whitelist {
		wl[p] = true
	}
	return &Dispatcher{
		cfg:       cfg,
		dedup:     dedup,
		cache:     cache,
		store:     store,
		logger:    logger.With("component", "remediation"),
		now:       time.Now,
		whitelist: wl,
		executors: make(map[schema.ActionType]Executor),
	}
}

// RegisterExecutor registers an action executor, replacing any executor
// of the same type.
func (d *Dispatcher) RegisterExecutor(e Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[e.Type()] = e
}

// SetObserver installs fn. It must be called before the dispatcher is used.
func (d *Dispatcher) SetObserver(fn Observer) {
	d.observer = fn
}

func (d *Dispatcher) executor(t schema.ActionType) (Executor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.executors[t]
	return e, ok
}

// Whitelisted reports whether principal is exempt from remediation. Both
// the full ARN and the bare identity name are matched.
func (d *Dispatcher) Whitelisted(principal string) bool {
	if d.whitelist[principal] {
		return true
	}
	if a, ok := schema.ParseARN(principal); ok {
		return d.whitelist[a.ResourceName()]
	}
	return false
}

// eligibility returns a reason the risk must not be remediated, or "".
func (d *Dispatcher) eligibility(risk *schema.AggregatedRisk) string {
	minSev := schema.Severity(d.cfg.MinSeverity)
	if minSev.Rank() < schema.SeverityHigh.Rank() {
		minSev = schema.SeverityHigh
	}
	switch {
	case !d.cfg.Enabled:
		return "auto-remediation disabled"
	case !risk.Severity.AtLeast(minSev):
		return fmt.Sprintf("severity %s below %s", risk.Severity, minSev)
	case d.Whitelisted(risk.Principal):
		return "principal whitelisted"
	}
	return ""
}

func (d *Dispatcher) skipped(risk *schema.AggregatedRisk, reason string) *schema.RemediationResult {
	return &schema.RemediationResult{
		DetectionRef:  risk.EventID,
		OverallStatus: schema.RemediationSkipped,
		SkippedReason: reason,
		Principal:     risk.Principal,
		Resource:      risk.Resource,
		Severity:      risk.Severity,
		CreatedAt:     d.now().UTC(),
	}
}

func claimKey(eventID string) string    { return "remediation:" + eventID }
func rollbackKey(eventID string) string { return "rollback:" + eventID }

// Remediate executes the plan for risk at most once per event id. A
// repeated call returns the stored result of the first execution.
func (d *Dispatcher) Remediate(ctx context.Context, risk *schema.AggregatedRisk) (*schema.RemediationResult, error) {
	// A stored result wins over the current verdict.
	if res, err := d.cache.GetResult(ctx, risk.EventID); err == nil {
		return res, nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		d.logger.Warn("result cache lookup failed", "event_id", risk.EventID, "error", err)
	}
	if reason := d.eligibility(risk); reason != "" {
		return d.skipped(risk, reason), nil
	}
	plan := Plan(risk)
	if len(plan) == 0 {
		return d.skipped(risk, "no remediable target"), nil
	}

	if res, err := d.Get(ctx, risk.EventID); err == nil {
		return res, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	won, err := d.dedup.Claim(ctx, claimKey(risk.EventID), d.cfg.ClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("claim remediation %s: %w", risk.EventID, err)
	}
	if !won {
		return d.awaitResult(ctx, risk.EventID)
	}

	res := d.execute(ctx, risk, plan)

	var errs []error
	if err := d.cache.PutResult(ctx, res); err != nil {
		errs = append(errs, fmt.Errorf("cache result: %w", err))
	}
	if d.store != nil {
		if err := d.store.SaveRemediation(ctx, res); err != nil {
			errs = append(errs, fmt.Errorf("save result: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Error("failed to persist remediation result",
			"event_id", risk.EventID, "remediation_id", res.RemediationID, "error", err)
	}
	if hitDeadline(res) {
		d.logger.Error("remediation plan ran out of time",
			"event_id", risk.EventID, "remediation_id", res.RemediationID, "plan_timeout", d.cfg.PlanTimeout)
		errs = append(errs, fmt.Errorf("%w: %s", ErrPlanDeadline, risk.EventID))
	}
	return res, errors.Join(errs...)
}

// hitDeadline reports whether some action was cut off by the plan timeout.
func hitDeadline(res *schema.RemediationResult) bool {
	for _, rec := range res.ActionsTaken {
		if rec.Error == ErrDeadlineExceeded.Error() {
			return true
		}
	}
	return false
}

// awaitResult polls for the result of a claim held by another worker.
func (d *Dispatcher) awaitResult(ctx context.Context, eventID string) (*schema.RemediationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.PollTimeout)
	defer cancel()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		res, err := d.Get(ctx, eventID)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrInProgress, eventID)
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, risk *schema.AggregatedRisk, plan []Action) *schema.RemediationResult {
	res := &schema.RemediationResult{
		RemediationID: uuid.NewString(),
		DetectionRef:  risk.EventID,
		DryRun:        d.cfg.DryRun,
		Principal:     risk.Principal,
		Resource:      risk.Resource,
		Severity:      risk.Severity,
		CreatedAt:     d.now().UTC(),
	}
	log := d.logger.With("event_id", risk.EventID, "remediation_id", res.RemediationID)
	log.Info("executing remediation plan", "actions", len(plan), "severity", risk.Severity, "dry_run", d.cfg.DryRun)

	planCtx, cancel := context.WithTimeout(ctx, d.cfg.PlanTimeout)
	defer cancel()

	for _, a := range plan {
		if d.cfg.DryRun {
			log.Info("dry-run: would execute action", "type", a.Type, "target", a.Target.String())
			res.ActionsTaken = append(res.ActionsTaken, schema.ActionRecord{
				Type: a.Type, Target: a.Target.String(), Status: schema.ActionDryRun, Timestamp: d.now().UTC(),
			})
			d.observe(a.Type, schema.ActionDryRun, 0)
			continue
		}

		rec, state := d.run(planCtx, a)
		res.ActionsTaken = append(res.ActionsTaken, rec)
		if rec.Status != schema.ActionSucceeded {
			log.Error("action failed", "type", a.Type, "target", rec.Target, "attempts", rec.Attempts, "error", rec.Error)
			continue
		}
		if inv, ok := a.Type.Inverse(); ok {
			snap, _ := json.Marshal(snapshot{Target: a.Target, State: state})
			res.RollbackPlan = append(res.RollbackPlan, schema.RollbackStep{Type: inv, Target: rec.Target, Snapshot: snap})
		}
	}
	// Undo in reverse order of application.
	slices.Reverse(res.RollbackPlan)

	res.OverallStatus = schema.OverallStatus(res.ActionsTaken)
	log.Info("remediation plan finished", "status", res.OverallStatus, "rollback_steps", len(res.RollbackPlan))
	return res
}

// run executes one action with retries and returns its record.
func (d *Dispatcher) run(ctx context.Context, a Action) (schema.ActionRecord, json.RawMessage) {
	rec := schema.ActionRecord{Type: a.Type, Target: a.Target.String()}
	defer func() {
		rec.Timestamp = d.now().UTC()
		d.observe(rec.Type, rec.Status, rec.Attempts)
	}()

	if ctx.Err() != nil {
		rec.Status = schema.ActionFailed
		rec.Error = ErrDeadlineExceeded.Error()
		return rec, nil
	}
	exec, ok := d.executor(a.Type)
	if !ok {
		rec.Status = schema.ActionFailed
		rec.Error = fmt.Sprintf("%v: %s", ErrNoExecutor, a.Type)
		return rec, nil
	}

	var state json.RawMessage
	attempts, err := retry(ctx, d.cfg.Retry, d.cfg.ActionTimeout, func(actx context.Context) error {
		s, err := exec.Execute(actx, a)
		state = s
		return err
	})
	rec.Attempts = attempts
	if err != nil {
		rec.Status = schema.ActionFailed
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			rec.Error = ErrDeadlineExceeded.Error()
		} else {
			rec.Error = (&ActionError{Action: a.Type, Target: rec.Target, Attempts: attempts, Transient: IsTransient(err), Err: err}).Error()
		}
		return rec, nil
	}
	rec.Status = schema.ActionSucceeded
	return rec, state
}

func (d *Dispatcher) observe(t schema.ActionType, s schema.ActionStatus, attempts int) {
	if d.observer != nil {
		d.observer(t, s, attempts)
	}
}

// Get returns the stored result for eventID from the cache, falling back
// to the durable store.
func (d *Dispatcher) Get(ctx context.Context, eventID string) (*schema.RemediationResult, error) {
	res, err := d.cache.GetResult(ctx, eventID)
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		d.logger.Warn("result cache lookup failed", "event_id", eventID, "error", err)
	}
	if d.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	res, err = d.store.GetRemediation(ctx, eventID)
	if storage.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Rollback applies the rollback plan of the remediation for eventID. It
// runs at most once per event.
func (d *Dispatcher) Rollback(ctx context.Context, eventID string) (*schema.RollbackResult, error) {
	res, err := d.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	won, err := d.dedup.Claim(ctx, rollbackKey(eventID), d.cfg.ClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("claim rollback %s: %w", eventID, err)
	}
	if !won {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRolledBack, eventID)
	}

	out := &schema.RollbackResult{RemediationID: res.RemediationID, DetectionRef: eventID}
	log := d.logger.With("event_id", eventID, "remediation_id", res.RemediationID)
	log.Info("rolling back remediation", "steps", len(res.RollbackPlan))

	planCtx, cancel := context.WithTimeout(ctx, d.cfg.PlanTimeout)
	defer cancel()
	for _, step := range res.RollbackPlan {
		var snap snapshot
		if err := json.Unmarshal(step.Snapshot, &snap); err != nil {
			out.Steps = append(out.Steps, schema.ActionRecord{
				Type: step.Type, Target: step.Target, Status: schema.ActionFailed,
				Timestamp: d.now().UTC(), Error: fmt.Sprintf("decode snapshot: %v", err),
			})
			continue
		}
		rec, _ := d.run(planCtx, Action{Type: step.Type, Target: snap.Target, State: snap.State})
		out.Steps = append(out.Steps, rec)
		if rec.Status != schema.ActionSucceeded {
			log.Error("rollback step failed", "type", step.Type, "target", step.Target, "error", rec.Error)
		}
	}
	out.Status = schema.OverallStatus(out.Steps)
	if len(out.Steps) == 0 {
		out.Status = schema.RemediationSuccess
	}
	out.CompletedAt = d.now().UTC()

	if d.store != nil {
		if err := d.store.SaveRollback(ctx, out); err != nil {
			log.Error("failed to save rollback", "error", err)
			return out, fmt.Errorf("save rollback: %w", err)
		}
	}
	log.Info("rollback finished", "status", out.Status)
	return out, nil
}

package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dispatchline/internal/config"
	"dispatchline/internal/decision"
	"dispatchline/internal/domain"
)

// OverrideState is the active human directive on one issue.
type OverrideState struct {
	IssueID   string
	Directive Directive
	IsActive  bool
	Actor     string
	SetAt     time.Time
	ExpiresAt *time.Time
}

// Expired reports whether the override lapsed at now.
func (o OverrideState) Expired(now time.Time) bool {
	return !o.IsActive || (o.ExpiresAt != nil && !now.Before(*o.ExpiresAt))
}

// TouchpointFilter narrows ListTouchpoints. Zero values match everything.
type TouchpointFilter struct {
	IssueID     string
	PendingOnly bool
}

// Storage persists escalation state. GetOverride returns (nil, nil) when the
// issue has no override.
type Storage interface {
	GetOverride(ctx context.Context, issueID string) (*OverrideState, error)
	PutOverride(ctx context.Context, o OverrideState) error
	DeleteOverride(ctx context.Context, issueID string) error
	GetCycle(ctx context.Context, issueID string) (int, error)
	SetCycle(ctx context.Context, issueID string, n int) error
	PutTouchpoint(ctx context.Context, t Touchpoint) error
	ListTouchpoints(ctx context.Context, f TouchpointFilter) ([]Touchpoint, error)
	ResolveTouchpoint(ctx context.Context, id string, at time.Time, resolution string) error
}

// Notifier delivers posted touchpoints to humans.
type Notifier interface {
	Notify(ctx context.Context, t Touchpoint, issue domain.Issue) error
}

// AutoProceed describes a touchpoint that expired and the action the issue
// proceeds with.
type AutoProceed struct {
	Touchpoint Touchpoint
	Action     domain.Action
}

// Store applies the escalation policy on top of a Storage.
type Store struct {
	storage      Storage
	cfg          config.EscalationConfig
	directiveTTL time.Duration
	notifier     Notifier
	logger       *slog.Logger
	now          func() time.Time
}

type Option func(*Store)

func WithConfig(cfg config.EscalationConfig) Option {
	return func(s *Store) { s.cfg = cfg }
}

// WithDirectiveTTL sets how long a directive stays active when no explicit
// expiry is given. Zero or negative keeps directives until RESUME.
func WithDirectiveTTL(d time.Duration) Option {
	return func(s *Store) { s.directiveTTL = d }
}

func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore builds a Store over storage.
func NewStore(storage Storage, opts ...Option) *Store {
	def := config.Default()
	s := &Store{
		storage:      storage,
		cfg:          def.Escalation,
		directiveTTL: def.Governor.HumanResponseTimeout,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Override returns the live override for issueID. An expired entry is
// deleted and reported as absent.
func (s *Store) Override(ctx context.Context, issueID string) (*OverrideState, error) {
	o, err := s.storage.GetOverride(ctx, issueID)
	if err != nil || o == nil {
		return nil, err
	}
	if o.Expired(s.now()) {
		if err := s.storage.DeleteOverride(ctx, issueID); err != nil {
			return nil, fmt.Errorf("clear expired override: %w", err)
		}
		s.logger.Debug("override expired", "issue", issueID, "directive", o.Directive.String())
		return nil, nil
	}
	return o, nil
}

// IsHeld is true while a HOLD or REASSIGN directive is active, or while a
// touchpoint on the issue still waits for a human.
func (s *Store) IsHeld(ctx context.Context, issueID string) (bool, error) {
	o, err := s.Override(ctx, issueID)
	if err != nil {
		return false, err
	}
	if o != nil {
		switch o.Directive.Kind() {
		case KindHold, KindReassign:
			return true, nil
		}
	}
	return s.awaitingHuman(ctx, issueID)
}

func (s *Store) awaitingHuman(ctx context.Context, issueID string) (bool, error) {
	pending, err := s.storage.ListTouchpoints(ctx, TouchpointFilter{IssueID: issueID, PendingOnly: true})
	if err != nil {
		return false, err
	}
	now := s.now()
	awaiting := false
	for _, t := range pending {
		if t.TimedOut(now) {
			if err := s.storage.ResolveTouchpoint(ctx, t.ID, now, ResolutionAutoProceeded); err != nil {
				return false, err
			}
			s.logger.Info("touchpoint auto-proceeded", "issue", issueID, "type", t.Type, "action", AutoProceedAction(t.Type))
			continue
		}
		awaiting = true
	}
	return awaiting, nil
}

// OverridePriority returns the PRIORITY directive level, or nil.
func (s *Store) OverridePriority(ctx context.Context, issueID string) (*int, error) {
	o, err := s.Override(ctx, issueID)
	if err != nil || o == nil {
		return nil, err
	}
	if p, ok := o.Directive.(Priority); ok {
		level := p.Level
		return &level, nil
	}
	return nil, nil
}

// SkipQA reports whether an active SKIP-QA directive exists.
func (s *Store) SkipQA(ctx context.Context, issueID string) (bool, error) {
	o, err := s.Override(ctx, issueID)
	if err != nil || o == nil {
		return false, err
	}
	return o.Directive.Kind() == KindSkipQA, nil
}

// Cycle returns the number of recorded QA failure cycles.
func (s *Store) Cycle(ctx context.Context, issueID string) (int, error) {
	return s.storage.GetCycle(ctx, issueID)
}

// WorkflowStrategy derives the strategy from the cycle count. A DECOMPOSE
// directive forces the decompose strategy.
func (s *Store) WorkflowStrategy(ctx context.Context, issueID string) (string, error) {
	o, err := s.Override(ctx, issueID)
	if err != nil {
		return "", err
	}
	if o != nil && o.Directive.Kind() == KindDecompose {
		return decision.StrategyDecompose, nil
	}
	n, err := s.storage.GetCycle(ctx, issueID)
	if err != nil {
		return "", err
	}
	return StrategyForCycle(n), nil
}

// ApplyDirective records d for issueID with the default lifetime and answers
// the issue's pending touchpoints. RESUME is routed to Resume.
func (s *Store) ApplyDirective(ctx context.Context, issueID string, d Directive, actor string) (*OverrideState, error) {
	var expires *time.Time
	if s.directiveTTL > 0 {
		at := s.now().Add(s.directiveTTL)
		expires = &at
	}
	return s.SetOverride(ctx, issueID, d, actor, expires)
}

// SetOverride is ApplyDirective with an explicit expiry; nil never expires.
func (s *Store) SetOverride(ctx context.Context, issueID string, d Directive, actor string, expiresAt *time.Time) (*OverrideState, error) {
	if d == nil {
		return nil, fmt.Errorf("directive is required")
	}
	if d.Kind() == KindResume {
		return nil, s.Resume(ctx, issueID, actor)
	}
	now := s.now()
	o := OverrideState{
		IssueID:   issueID,
		Directive: d,
		IsActive:  true,
		Actor:     actor,
		SetAt:     now,
		ExpiresAt: expiresAt,
	}
	if err := s.storage.PutOverride(ctx, o); err != nil {
		return nil, err
	}
	if err := s.resolvePending(ctx, issueID, now, ResolutionDirective); err != nil {
		return nil, err
	}
	s.logger.Info("override set", "issue", issueID, "directive", d.String(), "actor", actor)
	return &o, nil
}

// ClearOverride removes the override without touching cycles.
func (s *Store) ClearOverride(ctx context.Context, issueID string) error {
	return s.storage.DeleteOverride(ctx, issueID)
}

// Resume clears the override, resets the cycle count and answers every
// pending touchpoint, escalation alerts included.
func (s *Store) Resume(ctx context.Context, issueID, actor string) error {
	if err := s.storage.DeleteOverride(ctx, issueID); err != nil {
		return err
	}
	if err := s.storage.SetCycle(ctx, issueID, 0); err != nil {
		return err
	}
	if err := s.resolvePending(ctx, issueID, s.now(), ResolutionResumed); err != nil {
		return err
	}
	s.logger.Info("issue resumed", "issue", issueID, "actor", actor)
	return nil
}

func (s *Store) resolvePending(ctx context.Context, issueID string, at time.Time, resolution string) error {
	pending, err := s.storage.ListTouchpoints(ctx, TouchpointFilter{IssueID: issueID, PendingOnly: true})
	if err != nil {
		return err
	}
	for _, t := range pending {
		if err := s.storage.ResolveTouchpoint(ctx, t.ID, at, resolution); err != nil {
			return err
		}
	}
	return nil
}

// HandleComment parses body and applies the directive it contains. Comments
// without a directive are ignored.
func (s *Store) HandleComment(ctx context.Context, issueID, body, author string) (Directive, bool, error) {
	d, ok := ParseDirective(body)
	if !ok {
		return nil, false, nil
	}
	if _, err := s.ApplyDirective(ctx, issueID, d, author); err != nil {
		return d, true, err
	}
	return d, true, nil
}

// RecordFailure counts one failed development and QA round trip and posts
// the touchpoint the new strategy calls for.
func (s *Store) RecordFailure(ctx context.Context, issue domain.Issue) (int, *Touchpoint, error) {
	n, err := s.storage.GetCycle(ctx, issue.ID)
	if err != nil {
		return 0, nil, err
	}
	n++
	if err := s.storage.SetCycle(ctx, issue.ID, n); err != nil {
		return 0, nil, err
	}
	tpType, ok := TouchpointForStrategy(StrategyForCycle(n))
	if !ok {
		return n, nil, nil
	}
	t, err := s.Post(ctx, tpType, issue, n)
	return n, t, err
}

// Escalate posts an escalation alert. The issue stays held until RESUME.
func (s *Store) Escalate(ctx context.Context, issue domain.Issue) (*Touchpoint, error) {
	n, err := s.storage.GetCycle(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	return s.Post(ctx, TouchpointEscalationAlert, issue, n)
}

// Post stores a touchpoint and hands it to the notifier. Notifier failures
// are logged only.
func (s *Store) Post(ctx context.Context, tpType TouchpointType, issue domain.Issue, cycle int) (*Touchpoint, error) {
	timeout := s.timeoutFor(tpType)
	t := Touchpoint{
		ID:       uuid.NewString(),
		Type:     tpType,
		IssueID:  issue.ID,
		Body:     RenderBody(tpType, issue.DisplayID(), cycle, timeout),
		Cycle:    cycle,
		PostedAt: s.now(),
		Timeout:  timeout,
	}
	if err := s.storage.PutTouchpoint(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("touchpoint posted", "issue", issue.DisplayID(), "type", tpType, "cycle", cycle)
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, t, issue); err != nil {
			s.logger.Warn("touchpoint notification failed", "issue", issue.DisplayID(), "err", err)
		}
	}
	return &t, nil
}

func (s *Store) timeoutFor(t TouchpointType) time.Duration {
	switch t {
	case TouchpointReviewRequest:
		return s.cfg.ReviewRequestTimeout
	case TouchpointDecompositionProposal:
		return s.cfg.DecompositionProposalTimeout
	}
	return NoTimeout
}

// Touchpoints lists touchpoints matching f.
func (s *Store) Touchpoints(ctx context.Context, f TouchpointFilter) ([]Touchpoint, error) {
	return s.storage.ListTouchpoints(ctx, f)
}

// ProcessTimeouts resolves every expired pending touchpoint and reports the
// action each issue proceeds with.
func (s *Store) ProcessTimeouts(ctx context.Context) ([]AutoProceed, error) {
	pending, err := s.storage.ListTouchpoints(ctx, TouchpointFilter{PendingOnly: true})
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []AutoProceed
	for _, t := range pending {
		if !t.TimedOut(now) {
			continue
		}
		if err := s.storage.ResolveTouchpoint(ctx, t.ID, now, ResolutionAutoProceeded); err != nil {
			return out, err
		}
		at := now
		t.RespondedAt = &at
		t.Resolution = ResolutionAutoProceeded
		out = append(out, AutoProceed{Touchpoint: t, Action: AutoProceedAction(t.Type)})
	}
	return out, nil
}

// Package ledger enforces per-key budgets and rpm/tpm limits and records spend.
//
// Every key has its own lock; admission and spend for one key are
// linearizable while unrelated keys never contend. Admission reserves the
// estimated cost of the request, so concurrent requests against a nearly
// exhausted budget cannot both be admitted on the same headroom. Actual cost
// is reconciled on settlement and any overage is charged, which bounds the
// overshoot to the underestimate of requests already in flight.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// DefaultWindow is the rpm/tpm sliding window size
const DefaultWindow = time.Minute

// Estimate is the projected size of a request at admission time
type Estimate struct {
	Tokens  int
	CostUSD float64
}

// KeyState is the persisted part of a key's ledger entry
type KeyState struct {
	SpentUSD       float64
	Revoked        bool
	BudgetOverride *float64
}

// SpendStore persists spend and admin mutations. Implementations must apply
// AddSpend as an atomic increment.
type SpendStore interface {
	LoadKeyStates(ctx context.Context) (map[string]KeyState, error)
	AddSpend(ctx context.Context, keyID string, deltaUSD float64) error
	SetRevoked(ctx context.Context, keyID string) error
	SetBudget(ctx context.Context, keyID string, limitUSD float64) error
}

// KeyUsage is a point-in-time view of one key
type KeyUsage struct {
	KeyID        string  `json:"key_id"`
	BudgetUSD    float64 `json:"budget_limit_usd"`
	SpentUSD     float64 `json:"budget_spent_usd"`
	ReservedUSD  float64 `json:"reserved_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
	InFlight     int     `json:"in_flight"`
	RPMLimit     int     `json:"rpm_limit"`
	TPMLimit     int     `json:"tpm_limit"`
	RPMUsed      int     `json:"rpm_used"`
	TPMUsed      int     `json:"tpm_used"`
	Revoked      bool    `json:"revoked"`
}

type keyState struct {
	mu             sync.Mutex
	key            models.APIKey
	budgetOverride *float64
	reserved       float64
	inFlight       int
	removed        bool
}

func (s *keyState) limit() float64 {
	if s.budgetOverride != nil {
		return *s.budgetOverride
	}
	return s.key.BudgetLimitUSD
}

// Option configures a Ledger
type Option func(*Ledger)

// WithStore persists spend through store
func WithStore(store SpendStore) Option {
	return func(l *Ledger) { l.store = store }
}

// WithWindow replaces the in-memory rate window
func WithWindow(w Window) Option {
	return func(l *Ledger) { l.window = w }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Ledger tracks spend and throughput per API key
type Ledger struct {
	keys   sync.Map // key ID -> *keyState
	byHash atomic.Pointer[map[string]string]

	window Window
	store  SpendStore
	now    func() time.Time
	logger *slog.Logger
}

// New creates a ledger. Call Sync to register keys.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.window == nil {
		l.window = NewMemoryWindow(DefaultWindow)
	}
	empty := map[string]string{}
	l.byHash.Store(&empty)
	return l
}

// Restore loads persisted spend, revocations and budget overrides. Keys
// that aren't registered yet are created and filled in by the next Sync.
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	states, err := l.store.LoadKeyStates(ctx)
	if err != nil {
		return fmt.Errorf("load key states: %w", err)
	}
	for id, st := range states {
		v, _ := l.keys.LoadOrStore(id, &keyState{key: models.APIKey{ID: id}, removed: true})
		s := v.(*keyState)
		s.mu.Lock()
		s.key.BudgetSpentUSD = st.SpentUSD
		s.key.Revoked = s.key.Revoked || st.Revoked
		s.budgetOverride = st.BudgetOverride
		s.mu.Unlock()
	}
	return nil
}

// Sync registers the configured keys. Limits are replaced, spend is kept,
// and revocation is never undone. Keys missing from keys stop authenticating.
func (l *Ledger) Sync(keys []models.APIKey) {
	present := make(map[string]bool, len(keys))
	byHash := make(map[string]string, len(keys))

	for _, k := range keys {
		present[k.ID] = true
		if k.KeyHash != "" {
			byHash[k.KeyHash] = k.ID
		}
		v, loaded := l.keys.LoadOrStore(k.ID, &keyState{key: k})
		if !loaded {
			continue
		}
		s := v.(*keyState)
		s.mu.Lock()
		spent, revoked := s.key.BudgetSpentUSD, s.key.Revoked
		s.key = k
		s.key.BudgetSpentUSD = spent
		s.key.Revoked = revoked || k.Revoked
		s.removed = false
		s.mu.Unlock()
	}

	l.keys.Range(func(id, v any) bool {
		if !present[id.(string)] {
			s := v.(*keyState)
			s.mu.Lock()
			s.removed = true
			s.mu.Unlock()
		}
		return true
	})
	l.byHash.Store(&byHash)
}

func (l *Ledger) state(keyID string) (*keyState, bool) {
	v, ok := l.keys.Load(keyID)
	if !ok {
		return nil, false
	}
	return v.(*keyState), true
}

// Authenticate resolves a key hash to its key
func (l *Ledger) Authenticate(keyHash string) (models.APIKey, error) {
	id, ok := (*l.byHash.Load())[keyHash]
	if !ok {
		return models.APIKey{}, apierror.Unauthorized("invalid API key")
	}
	return l.Key(id)
}

// Key returns a copy of a registered, usable key
func (l *Ledger) Key(keyID string) (models.APIKey, error) {
	s, ok := l.state(keyID)
	if !ok {
		return models.APIKey{}, apierror.Unauthorized("invalid API key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return models.APIKey{}, apierror.Unauthorized("invalid API key")
	}
	if s.key.Revoked {
		return models.APIKey{}, apierror.Unauthorized("API key has been revoked")
	}
	k := s.key
	k.BudgetLimitUSD = s.limit()
	return k, nil
}

// CheckAdmission admits a request for keyID or rejects it with
// Unauthorized, BudgetExceeded or RateLimited. An admitted request holds a
// reservation of est.CostUSD until it is settled or released.
func (l *Ledger) CheckAdmission(ctx context.Context, keyID string, est Estimate) (*Admission, error) {
	s, ok := l.state(keyID)
	if !ok {
		return nil, apierror.Unauthorized("invalid API key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removed || s.key.Revoked {
		return nil, apierror.Unauthorized("API key is not active")
	}

	if limit := s.limit(); limit > 0 {
		remaining := limit - s.key.BudgetSpentUSD - s.reserved
		if s.key.BudgetSpentUSD >= limit {
			return nil, apierror.BudgetExceeded(remaining, "budget of $%.4f exhausted for key %s", limit, keyID)
		}
		if s.key.BudgetSpentUSD+s.reserved+est.CostUSD > limit {
			return nil, apierror.BudgetExceeded(remaining,
				"estimated cost $%.6f exceeds remaining budget $%.6f for key %s", est.CostUSD, remaining, keyID)
		}
	}

	ev := Event{ID: uuid.NewString(), At: l.now(), Tokens: est.Tokens}
	decision, err := l.window.Admit(ctx, keyID, ev, s.key.RPMLimit, s.key.TPMLimit)
	if err != nil {
		// fail open: the budget check above still holds
		l.logger.Warn("rate window unavailable, admitting request",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
		decision = Decision{Allowed: true}
	}
	if !decision.Allowed {
		return nil, apierror.RateLimited(decision.RetryAfter,
			"rate limit exceeded for key %s (rpm=%d, tpm=%d)", keyID, s.key.RPMLimit, s.key.TPMLimit)
	}

	s.reserved += est.CostUSD
	s.inFlight++

	return &Admission{ledger: l, state: s, keyID: keyID, event: ev, reserved: est.CostUSD}, nil
}

// RecordSpend atomically adds costUSD to the key's spend
func (l *Ledger) RecordSpend(ctx context.Context, keyID string, costUSD float64) error {
	s, ok := l.state(keyID)
	if !ok {
		return fmt.Errorf("record spend: unknown key %s", keyID)
	}
	s.mu.Lock()
	s.key.BudgetSpentUSD += costUSD
	s.mu.Unlock()
	l.persistSpend(ctx, keyID, costUSD)
	return nil
}

func (l *Ledger) persistSpend(ctx context.Context, keyID string, costUSD float64) {
	if l.store == nil || costUSD == 0 {
		return
	}
	if err := l.store.AddSpend(context.WithoutCancel(ctx), keyID, costUSD); err != nil {
		l.logger.Error("failed to persist spend",
			slog.String("key_id", keyID),
			slog.Float64("cost_usd", costUSD),
			slog.String("error", err.Error()),
		)
	}
}

// Revoke permanently disables a key
func (l *Ledger) Revoke(ctx context.Context, keyID string) error {
	s, ok := l.state(keyID)
	if !ok {
		return apierror.InvalidRequest("unknown key %q", keyID)
	}
	s.mu.Lock()
	s.key.Revoked = true
	s.mu.Unlock()
	if l.store != nil {
		if err := l.store.SetRevoked(ctx, keyID); err != nil {
			return fmt.Errorf("persist revocation: %w", err)
		}
	}
	return nil
}

// SetBudget overrides the configured budget limit of a key
func (l *Ledger) SetBudget(ctx context.Context, keyID string, limitUSD float64) error {
	if limitUSD < 0 {
		return apierror.InvalidRequest("budget must not be negative")
	}
	s, ok := l.state(keyID)
	if !ok {
		return apierror.InvalidRequest("unknown key %q", keyID)
	}
	s.mu.Lock()
	s.budgetOverride = &limitUSD
	s.mu.Unlock()
	if l.store != nil {
		if err := l.store.SetBudget(ctx, keyID, limitUSD); err != nil {
			return fmt.Errorf("persist budget: %w", err)
		}
	}
	return nil
}

// Usage returns the live ledger view of a key
func (l *Ledger) Usage(ctx context.Context, keyID string) (KeyUsage, error) {
	s, ok := l.state(keyID)
	if !ok {
		return KeyUsage{}, apierror.InvalidRequest("unknown key %q", keyID)
	}
	s.mu.Lock()
	u := KeyUsage{
		KeyID:       keyID,
		BudgetUSD:   s.limit(),
		SpentUSD:    s.key.BudgetSpentUSD,
		ReservedUSD: s.reserved,
		InFlight:    s.inFlight,
		RPMLimit:    s.key.RPMLimit,
		TPMLimit:    s.key.TPMLimit,
		Revoked:     s.key.Revoked,
	}
	s.mu.Unlock()

	if u.BudgetUSD > 0 {
		u.RemainingUSD = u.BudgetUSD - u.SpentUSD - u.ReservedUSD
		if u.RemainingUSD < 0 {
			u.RemainingUSD = 0
		}
	}
	reqs, tokens, err := l.window.Usage(ctx, keyID, l.now())
	if err != nil {
		return u, fmt.Errorf("rate window usage: %w", err)
	}
	u.RPMUsed, u.TPMUsed = reqs, tokens
	return u, nil
}

// Admission is an admitted request's hold on its key's budget
type Admission struct {
	ledger   *Ledger
	state    *keyState
	keyID    string
	event    Event
	reserved float64
	done     atomic.Bool
}

// Settle charges the actual cost and corrects the window's token count.
// Only the first Settle or Release has an effect.
func (a *Admission) Settle(ctx context.Context, costUSD float64, tokens int) {
	if !a.done.CompareAndSwap(false, true) {
		return
	}
	s := a.state
	s.mu.Lock()
	a.unreserve()
	s.key.BudgetSpentUSD += costUSD
	s.mu.Unlock()

	a.adjustTokens(ctx, tokens)
	a.ledger.persistSpend(ctx, a.keyID, costUSD)
}

// Release drops the reservation without charging. The request still counts
// against rpm but its tokens are removed from the window.
func (a *Admission) Release(ctx context.Context) {
	if !a.done.CompareAndSwap(false, true) {
		return
	}
	a.state.mu.Lock()
	a.unreserve()
	a.state.mu.Unlock()
	a.adjustTokens(ctx, 0)
}

// unreserve must be called with the key lock held
func (a *Admission) unreserve() {
	s := a.state
	s.reserved -= a.reserved
	s.inFlight--
	if s.inFlight <= 0 {
		s.inFlight = 0
		s.reserved = 0
	}
}

func (a *Admission) adjustTokens(ctx context.Context, tokens int) {
	if tokens == a.event.Tokens {
		return
	}
	if err := a.ledger.window.Adjust(context.WithoutCancel(ctx), a.keyID, a.event, tokens); err != nil {
		a.ledger.logger.Warn("failed to reconcile rate window tokens",
			slog.String("key_id", a.keyID),
			slog.String("error", err.Error()),
		)
	}
}

package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

// Event is one admitted request in a key's rate window
type Event struct {
	ID     string
	At     time.Time
	Tokens int
}

// Decision is a rate window verdict
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Window is a sliding rpm/tpm window per key. A zero limit is unlimited.
// A request whose token estimate alone exceeds tpm is admitted when the
// window is empty, otherwise it could never run.
type Window interface {
	Admit(ctx context.Context, keyID string, ev Event, rpm, tpm int) (Decision, error)
	Adjust(ctx context.Context, keyID string, ev Event, tokens int) error
	Usage(ctx context.Context, keyID string, now time.Time) (requests, tokens int, err error)
}

// MemoryWindow keeps each key's events in process memory
type MemoryWindow struct {
	size  time.Duration
	state sync.Map // key ID -> *memoryWindowState
}

type memoryWindowState struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryWindow creates an in-memory window of the given size
func NewMemoryWindow(size time.Duration) *MemoryWindow {
	return &MemoryWindow{size: size}
}

func (w *MemoryWindow) get(keyID string) *memoryWindowState {
	v, _ := w.state.LoadOrStore(keyID, &memoryWindowState{})
	return v.(*memoryWindowState)
}

// prune drops events that left the window; events are kept in time order
func (s *memoryWindowState) prune(now time.Time, size time.Duration) {
	cutoff := now.Add(-size)
	i := 0
	for i < len(s.events) && !s.events[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		s.events = append(s.events[:0], s.events[i:]...)
	}
}

func (s *memoryWindowState) tokens() int {
	var n int
	for _, ev := range s.events {
		n += ev.Tokens
	}
	return n
}

func (w *MemoryWindow) Admit(_ context.Context, keyID string, ev Event, rpm, tpm int) (Decision, error) {
	s := w.get(keyID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune(ev.At, w.size)

	var retry time.Duration
	if len(s.events) > 0 {
		retry = s.events[0].At.Add(w.size).Sub(ev.At)
	}
	if rpm > 0 && len(s.events) >= rpm {
		return Decision{RetryAfter: retry}, nil
	}
	if tpm > 0 && len(s.events) > 0 && s.tokens()+ev.Tokens > tpm {
		return Decision{RetryAfter: retry}, nil
	}

	s.events = append(s.events, ev)
	return Decision{Allowed: true}, nil
}

func (w *MemoryWindow) Adjust(_ context.Context, keyID string, ev Event, tokens int) error {
	s := w.get(keyID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == ev.ID {
			s.events[i].Tokens = tokens
			break
		}
	}
	return nil
}

func (w *MemoryWindow) Usage(_ context.Context, keyID string, now time.Time) (int, int, error) {
	s := w.get(keyID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now, w.size)
	return len(s.events), s.tokens(), nil
}

// RedisWindow shares the rate window across gateway replicas
type RedisWindow struct {
	client *redis.Client
	size   time.Duration
	prefix string
}

// NewRedisWindow creates a Redis-backed window of the given size
func NewRedisWindow(client *redis.Client, size time.Duration) *RedisWindow {
	return &RedisWindow{client: client, size: size, prefix: "ratelimit:window:"}
}

func (w *RedisWindow) key(keyID string) string {
	return w.prefix + keyID
}

func (w *RedisWindow) Admit(ctx context.Context, keyID string, ev Event, rpm, tpm int) (Decision, error) {
	res, err := w.client.SlidingWindowAdmit(ctx, w.key(keyID), ev.ID, ev.At, w.size, rpm, tpm, ev.Tokens)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: res.Allowed, RetryAfter: res.RetryAfter}, nil
}

func (w *RedisWindow) Adjust(ctx context.Context, keyID string, ev Event, tokens int) error {
	return w.client.SlidingWindowAdjust(ctx, w.key(keyID), ev.ID, ev.At, w.size, ev.Tokens, tokens)
}

func (w *RedisWindow) Usage(ctx context.Context, keyID string, now time.Time) (int, int, error) {
	return w.client.SlidingWindowUsage(ctx, w.key(keyID), now, w.size)
}

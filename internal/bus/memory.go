package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/domain"
	"github.com/kandev-labs/agentsquad/internal/telemetry"
)

// storedMessage is a retained copy of a published message, kept so that
// retention/stats can be reported. MemoryBus does not replay stored
// messages: a handler error is logged and the message is not redelivered.
type storedMessage struct {
	subject string
	msg     *domain.AgentMessage
	storedAt time.Time
	size    int
}

// MemoryBus implements Bus without any external transport: an in-process,
// single-binary substitute for the NATS JetStream backend, primarily useful
// for tests and single-node deployments.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	durables      map[string]*memorySubscription // keyed by durableName
	stored        []storedMessage
	seen          map[string]time.Time // message ID -> first-seen time, for dedup
	retention     RetentionPolicy
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp
	durable string
	handler Handler
	active  bool
	mu      sync.Mutex
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	if s.durable != "" {
		delete(s.bus.durables, s.durable)
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus creates an in-process Bus with the given retention policy.
func NewMemoryBus(log *logger.Logger, retention RetentionPolicy) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		durables:      make(map[string]*memorySubscription),
		seen:          make(map[string]time.Time),
		retention:     retention,
		logger:        log,
	}
}

// Publish durably appends msg then fans it out to matching subscriptions.
// Republishing an already-seen message ID is a no-op (dedup, spec §4.A).
func (b *MemoryBus) Publish(ctx context.Context, subject string, msg *domain.AgentMessage) error {
	ctx, span := telemetry.TracePublish(ctx, subject, string(msg.Type))
	defer span.End()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus: %w", ErrBusUnavailable)
	}
	if _, dup := b.seen[msg.ID]; dup {
		b.mu.Unlock()
		return nil
	}
	b.seen[msg.ID] = time.Now().UTC()
	b.stored = append(b.stored, storedMessage{
		subject:  subject,
		msg:      msg,
		storedAt: time.Now().UTC(),
		size:     len(msg.Content),
	})
	b.enforceRetentionLocked()

	// Snapshot matching subscribers while holding the lock, deliver after
	// release so handlers can themselves call back into the bus.
	var targets []*memorySubscription
	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			if matchSubject(subject, pattern, sub.pattern) {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.Unlock()

	// Dispatch synchronously (the order across subscriptions registered on
	// different patterns is not defined, as targets come from a map): FIFO
	// (spec §4.A) cannot hold if concurrent goroutines race to invoke
	// handlers for messages published back to back on the same subject.
	for _, sub := range targets {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		if err := sub.handler(ctx, msg); err != nil {
			b.logger.Error("message handler error",
				zap.String("subject", subject),
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
	}

	b.logger.Debug("published message",
		zap.String("subject", subject),
		zap.String("message_id", msg.ID))
	return nil
}

// Subscribe registers handler against subject. A durableName identifies the
// consumer so that reconnecting under the same name replaces the previous
// registration rather than creating a second delivery path.
func (b *MemoryBus) Subscribe(subject, durableName string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus: %w", ErrBusUnavailable)
	}

	if durableName != "" {
		if existing, ok := b.durables[durableName]; ok {
			existing.mu.Lock()
			existing.active = false
			existing.mu.Unlock()
		}
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: compilePattern(subject),
		durable: durableName,
		handler: handler,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	if durableName != "" {
		b.durables[durableName] = sub
	}

	b.logger.Info("subscribed", zap.String("subject", subject), zap.String("durable", durableName))
	return sub, nil
}

// Stats reports bus-wide counters.
func (b *MemoryBus) Stats() (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var bytes int64
	for _, m := range b.stored {
		bytes += int64(m.size)
	}
	subCount := 0
	for _, subs := range b.subscriptions {
		subCount += len(subs)
	}
	return Stats{
		MessagesStored: int64(len(b.stored)),
		BytesStored:    bytes,
		Subscribers:    subCount,
		StreamCount:    1,
	}, nil
}

// Close releases the bus. Subsequent Publish/Subscribe calls fail.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
	b.durables = make(map[string]*memorySubscription)
	b.logger.Info("memory bus closed")
	return nil
}

// IsConnected always reports true until Close, since there is no transport.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// enforceRetentionLocked drops the oldest stored messages once the
// configured count/age bounds are exceeded. Callers must hold b.mu.
func (b *MemoryBus) enforceRetentionLocked() {
	if b.retention.MaxMessages > 0 && int64(len(b.stored)) > b.retention.MaxMessages {
		excess := int64(len(b.stored)) - b.retention.MaxMessages
		b.stored = b.stored[excess:]
	}
	if b.retention.MaxAge > 0 {
		cutoff := time.Now().UTC().Add(-b.retention.MaxAge)
		i := 0
		for i < len(b.stored) && b.stored[i].storedAt.Before(cutoff) {
			i++
		}
		if i > 0 {
			b.stored = b.stored[i:]
		}
	}
}

// matchSubject reports whether subject satisfies pattern, honoring the
// NATS-style `*`/`>` wildcards compiled into regex.
func matchSubject(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style subject pattern into a regex: `*`
// matches exactly one dot-delimited token, `>` matches one or more trailing
// tokens.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	escaped = "^" + escaped + "$"

	re, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return re
}

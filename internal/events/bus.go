// Package events implements the in-process fan-out of per-migration
// progress events to subscribers.
package events

import (
	"errors"
	"sync"

	"github.com/artemis/modernizer/internal/migration"
	"github.com/artemis/modernizer/internal/observability"
	"go.uber.org/zap"
)

// ErrUnknownMigration is returned by Subscribe when the migration id is
// neither live nor persisted.
var ErrUnknownMigration = errors.New("unknown migration")

// subscriberBuffer is the per-subscriber channel capacity. A slow consumer
// loses the oldest non-terminal events past this bound.
const subscriberBuffer = 256

// Appender durably records events before fan-out. The workflow checkpoint
// store implements it with an append-only log per migration.
type Appender interface {
	AppendEvent(event migration.Event) error
}

// TerminalLookup resolves the persisted terminal event for a migration that
// is no longer live, so late subscribers still observe completion.
type TerminalLookup func(migrationID string) (migration.Event, bool)

// SeqSeeder optionally extends an Appender with the highest sequence number
// already persisted for a migration. A stream created for an id with prior
// history continues numbering from there, so a migration resumed after a
// restart never reuses sequence numbers in its log.
type SeqSeeder interface {
	LastSeq(migrationID string) uint64
}

// Subscription is one subscriber's view of a migration's event stream. The
// channel is closed after the terminal event has been delivered.
type Subscription struct {
	C <-chan migration.Event

	ch      chan migration.Event
	dropped uint64
	mu      sync.Mutex
}

// Dropped returns how many non-terminal events were discarded because the
// subscriber fell behind.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) deliver(ev migration.Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		// Buffer full: evict the oldest entry. Terminal events always land;
		// evicted non-terminal events count as drops.
		select {
		case old := <-s.ch:
			if !old.Kind.Terminal() {
				s.mu.Lock()
				s.dropped++
				s.mu.Unlock()
				observability.EventsDropped.Inc()
			}
		default:
		}
	}
}

// stream is the per-migration registry entry.
type stream struct {
	mu       sync.Mutex
	seq      uint64
	subs     map[*Subscription]bool
	terminal *migration.Event
}

// Bus assigns per-migration sequence numbers, persists events, and fans
// them out to subscribers without ever blocking the publisher.
type Bus struct {
	mu       sync.RWMutex
	streams  map[string]*stream
	appender Appender
	lookup   TerminalLookup
	logger   *observability.Logger
}

// NewBus creates an event bus. appender may be nil in tests; lookup may be
// nil when no persisted history exists.
func NewBus(appender Appender, lookup TerminalLookup, logger *observability.Logger) *Bus {
	return &Bus{
		streams:  make(map[string]*stream),
		appender: appender,
		lookup:   lookup,
		logger:   logger,
	}
}

// Register creates the stream for a new migration. Idempotent.
func (b *Bus) Register(migrationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[migrationID]; !ok {
		b.streams[migrationID] = b.newStream(migrationID)
	}
}

func (b *Bus) newStream(migrationID string) *stream {
	st := &stream{subs: make(map[*Subscription]bool)}
	if seeder, ok := b.appender.(SeqSeeder); ok {
		st.seq = seeder.LastSeq(migrationID)
	}
	return st
}

// Drop removes a migration's stream once its terminal event has been fanned
// out, keeping the registry bounded. Late subscribers are served through the
// persisted terminal lookup instead.
func (b *Bus) Drop(migrationID string) {
	b.mu.Lock()
	delete(b.streams, migrationID)
	b.mu.Unlock()
}

// Publish assigns the next sequence number, durably appends the event, and
// delivers it to every current subscriber. It never fails from the caller's
// perspective; persistence problems are logged. Publishing a terminal event
// closes the stream.
func (b *Bus) Publish(migrationID string, event migration.Event) migration.Event {
	b.mu.Lock()
	st, ok := b.streams[migrationID]
	if !ok {
		st = b.newStream(migrationID)
		b.streams[migrationID] = st
	}
	b.mu.Unlock()

	st.mu.Lock()
	st.seq++
	event.Seq = st.seq
	event.MigrationID = migrationID

	if b.appender != nil {
		if err := b.appender.AppendEvent(event); err != nil && b.logger != nil {
			b.logger.Error("failed to persist event",
				zap.String("migration_id", migrationID),
				zap.Uint64("seq", event.Seq),
				zap.Error(err),
			)
		}
	}

	for sub := range st.subs {
		sub.deliver(event)
	}

	if event.Kind.Terminal() {
		ev := event
		st.terminal = &ev
		for sub := range st.subs {
			close(sub.ch)
		}
		st.subs = make(map[*Subscription]bool)
	}
	st.mu.Unlock()

	return event
}

// Subscribe attaches a new subscriber to a migration's stream. Subscribing
// after termination delivers the terminal event immediately and closes the
// channel. Unknown ids return ErrUnknownMigration.
func (b *Bus) Subscribe(migrationID string) (*Subscription, error) {
	b.mu.RLock()
	st, ok := b.streams[migrationID]
	b.mu.RUnlock()

	if !ok {
		// Not live; fall back to the persisted record.
		if b.lookup != nil {
			if terminal, found := b.lookup(migrationID); found {
				sub := &Subscription{ch: make(chan migration.Event, 1)}
				sub.C = sub.ch
				sub.ch <- terminal
				close(sub.ch)
				return sub, nil
			}
		}
		return nil, ErrUnknownMigration
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	sub := &Subscription{ch: make(chan migration.Event, subscriberBuffer)}
	sub.C = sub.ch

	if st.terminal != nil {
		sub.ch <- *st.terminal
		close(sub.ch)
		return sub, nil
	}

	st.subs[sub] = true
	return sub, nil
}

// Unsubscribe detaches a subscriber. Idempotent; safe after termination.
func (b *Bus) Unsubscribe(migrationID string, sub *Subscription) {
	b.mu.RLock()
	st, ok := b.streams[migrationID]
	b.mu.RUnlock()
	if !ok || sub == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.subs[sub] {
		delete(st.subs, sub)
		close(sub.ch)
	}
}

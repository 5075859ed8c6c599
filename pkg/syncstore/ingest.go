package syncstore

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Ingest fans server-pushed change events out to interested consumers. One
// backend subscription is shared per entity type no matter how many
// consumers register: the subscription opens with the first consumer and
// closes when the last one unregisters.
//
// Events fan out synchronously and reach each consumer exactly once per
// delivery. A consumer that panics is isolated and logged; the remaining
// consumers still receive the event.
type Ingest struct {
	backend Backend
	logger  zerolog.Logger

	mu      sync.Mutex
	subs    map[string]*ingestSub
	nextKey int
}

type ingestSub struct {
	consumers   map[int]func(Change)
	unsubscribe func()

	// ready is closed once the backend subscribe attempt resolves; err is
	// set before the close when the attempt failed and the sub was torn
	// down.
	ready chan struct{}
	err   error
}

// NewIngest builds an ingest over the backend's realtime subscription.
func NewIngest(backend Backend, logger zerolog.Logger) *Ingest {
	return &Ingest{
		backend: backend,
		logger:  logger.With().Str("component", "ingest").Logger(),
		subs:    map[string]*ingestSub{},
	}
}

// Register adds a consumer for one entity type's push events and returns a
// function that removes it. Removing the last consumer closes the shared
// backend subscription.
//
// The first consumer of a type owns the backend subscribe attempt; consumers
// registering while it is outstanding wait for its outcome. If the attempt
// fails the sub is torn down and the waiters retry with an attempt of their
// own, so a late joiner never ends up silently attached to a sub that has no
// backend subscription.
func (in *Ingest) Register(entityType string, consumer func(Change)) (func(), error) {
	for {
		in.mu.Lock()

		sub, ok := in.subs[entityType]
		if !ok {
			sub = &ingestSub{
				consumers: map[int]func(Change){},
				ready:     make(chan struct{}),
			}
			in.subs[entityType] = sub
		}

		key := in.nextKey
		in.nextKey++
		sub.consumers[key] = consumer

		in.mu.Unlock()

		if ok {
			<-sub.ready

			if sub.err != nil {
				// The owning attempt failed and took this consumer's entry
				// with it; start over.
				continue
			}

			return in.unregisterFunc(entityType, sub, key), nil
		}

		unsubscribe, err := in.backend.SubscribeRealtime(entityType, func(ch Change) {
			in.dispatch(entityType, ch)
		})

		in.mu.Lock()

		if err != nil {
			sub.err = err
			delete(in.subs, entityType)
			in.mu.Unlock()

			close(sub.ready)

			return nil, fmt.Errorf("subscribe realtime for %s: %w", entityType, err)
		}

		sub.unsubscribe = unsubscribe
		in.mu.Unlock()

		close(sub.ready)

		return in.unregisterFunc(entityType, sub, key), nil
	}
}

func (in *Ingest) unregisterFunc(entityType string, sub *ingestSub, key int) func() {
	var once sync.Once

	return func() {
		once.Do(func() {
			in.unregister(entityType, sub, key)
		})
	}
}

// ConsumerCount reports how many consumers are registered for a type.
func (in *Ingest) ConsumerCount(entityType string) int {
	in.mu.Lock()
	defer in.mu.Unlock()

	sub, ok := in.subs[entityType]
	if !ok {
		return 0
	}

	return len(sub.consumers)
}

func (in *Ingest) unregister(entityType string, sub *ingestSub, key int) {
	in.mu.Lock()

	cur, ok := in.subs[entityType]
	if !ok || cur != sub {
		in.mu.Unlock()
		return
	}

	delete(sub.consumers, key)

	var unsubscribe func()

	if len(sub.consumers) == 0 {
		unsubscribe = sub.unsubscribe
		delete(in.subs, entityType)
	}

	in.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (in *Ingest) dispatch(entityType string, ch Change) {
	in.mu.Lock()

	sub, ok := in.subs[entityType]
	if !ok {
		in.mu.Unlock()
		return
	}

	consumers := make([]func(Change), 0, len(sub.consumers))
	for _, fn := range sub.consumers {
		consumers = append(consumers, fn)
	}

	in.mu.Unlock()

	for _, fn := range consumers {
		in.deliver(entityType, fn, ch)
	}
}

// deliver isolates one consumer invocation so a panicking consumer cannot
// break delivery to the rest.
func (in *Ingest) deliver(entityType string, fn func(Change), ch Change) {
	defer func() {
		r := recover()
		if r != nil {
			in.logger.Error().
				Str("entity_type", entityType).
				Stringer("kind", ch.Kind).
				Interface("panic", r).
				Msg("realtime consumer panicked")
		}
	}()

	fn(ch)
}

package syncstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config tunes a Client. The zero value is usable.
type Config struct {
	// Logger receives defensive-skip warnings and debug traces. Nil logs
	// nothing.
	Logger *zerolog.Logger

	// PageSize for list pagination; zero means DefaultPageSize.
	PageSize int

	// SearchPageSize for search mirrors; zero means PageSize.
	SearchPageSize int

	// DetailTTL bounds how long unused detail entries stay cached; zero
	// means the default day-long expiry.
	DetailTTL time.Duration
}

// Client is the composition root of the synchronization core: it owns the
// store registry, the detail cache, the synchronizer, the mutation
// coordinator and the realtime ingest, and hands out view handles to the
// rendering layer.
type Client struct {
	backend     Backend
	logger      zerolog.Logger
	registry    *Registry
	details     *DetailCache
	sync        *Synchronizer
	fetcher     *Fetcher
	searchSize  int
	ingest      *Ingest
	coordinator *Coordinator

	mu     sync.Mutex
	live   map[string]*liveType
	closed bool
}

// liveType tracks how many views of one entity type are open; the
// synchronizer is registered with the ingest while the count is positive.
type liveType struct {
	refs       int
	unregister func()
}

// NewClient wires the core together over a backend.
func NewClient(backend Backend, cfg Config) *Client {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	registry := NewRegistry(logger)
	details := NewDetailCache(cfg.DetailTTL)
	synchronizer := NewSynchronizer(registry, details, logger)

	searchSize := cfg.SearchPageSize
	if searchSize <= 0 {
		searchSize = cfg.PageSize
	}

	return &Client{
		backend:     backend,
		logger:      logger,
		registry:    registry,
		details:     details,
		sync:        synchronizer,
		fetcher:     NewFetcher(backend, cfg.PageSize),
		searchSize:  searchSize,
		ingest:      NewIngest(backend, logger),
		coordinator: NewCoordinator(synchronizer, backend, logger),
	}
}

// Registry exposes the store registry, mainly for tests and diagnostics.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Details exposes the detail cache.
func (c *Client) Details() *DetailCache {
	return c.details
}

// Synchronizer exposes the synchronizer, for feeding changes from transports
// not wired through the backend's own realtime subscription.
func (c *Client) Synchronizer() *Synchronizer {
	return c.sync
}

// Close detaches every realtime subscription. Open views become inert but
// remain safe to read and close.
func (c *Client) Close() {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true

	unregisters := make([]func(), 0, len(c.live))
	for _, lt := range c.live {
		if lt.unregister != nil {
			unregisters = append(unregisters, lt.unregister)
		}
	}

	c.live = nil

	c.mu.Unlock()

	for _, fn := range unregisters {
		fn()
	}
}

// retainLive opens the shared realtime subscription for an entity type when
// its first view appears. A push transport that cannot subscribe is logged
// and tolerated: views still work, they just stop seeing other sessions'
// writes until resubscription.
func (c *Client) retainLive(entityType string) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}

	if c.live == nil {
		c.live = map[string]*liveType{}
	}

	lt, ok := c.live[entityType]
	if ok {
		lt.refs++
		c.mu.Unlock()

		return nil
	}

	lt = &liveType{refs: 1}
	c.live[entityType] = lt

	c.mu.Unlock()

	unregister, err := c.ingest.Register(entityType, c.sync.Consumer())
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("entity_type", entityType).
			Msg("realtime subscription unavailable")

		return nil
	}

	c.mu.Lock()
	lt.unregister = unregister
	c.mu.Unlock()

	return nil
}

func (c *Client) releaseLive(entityType string) {
	c.mu.Lock()

	lt, ok := c.live[entityType]
	if !ok {
		c.mu.Unlock()
		return
	}

	lt.refs--
	if lt.refs > 0 {
		c.mu.Unlock()
		return
	}

	delete(c.live, entityType)
	unregister := lt.unregister

	c.mu.Unlock()

	if unregister != nil {
		unregister()
	}
}

// Apply feeds one change straight into the synchronizer. Exposed for
// transports and tools that deliver changes outside the backend
// subscription.
func (c *Client) Apply(ch Change) {
	c.sync.Apply(ch)
}

// Signature is a convenience re-export of EncodeSignature.
func (c *Client) Signature(entityType string, filters map[string]string, sort SortSpec) string {
	return EncodeSignature(entityType, filters, sort)
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("%w", ErrClientClosed)
	}

	return nil
}

// Package realtimefeed connects to a server push channel over a websocket and
// turns its event stream into syncstore changes. One feed serves any number of
// entity-type subscriptions over a single connection; a dropped connection is
// redialed with exponential backoff and every active subscription is replayed
// to the server.
package realtimefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tallyapp/tally/pkg/syncstore"
)

// ErrFeedClosed is returned by operations on a feed after Close.
var ErrFeedClosed = errors.New("realtime feed is closed")

// ErrNotConnected is returned by Subscribe before Start succeeded.
var ErrNotConnected = errors.New("realtime feed is not connected")

// Reconnect backoff bounds.
const (
	defaultBackoffMin = 250 * time.Millisecond
	defaultBackoffMax = 30 * time.Second
)

// Event is the wire shape of one pushed change.
type Event struct {
	EntityType string           `json:"entityType"`
	Action     string           `json:"action"`
	Record     syncstore.Record `json:"record"`
}

// subscribeMsg is the control message declaring interest in an entity type.
type subscribeMsg struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
}

// Config tunes a Feed.
type Config struct {
	// URL of the websocket endpoint, ws:// or wss://.
	URL string

	// Dialer overrides the default websocket dialer.
	Dialer *websocket.Dialer

	// Logger receives connection lifecycle and decode-failure logs.
	Logger zerolog.Logger

	// BackoffMin and BackoffMax bound the reconnect delay. Zero values use
	// the defaults.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Feed is a reconnecting websocket change feed. Its Subscribe method has the
// same shape as the Backend realtime seam, so a remote backend implementation
// can delegate straight to it.
type Feed struct {
	url        string
	dialer     *websocket.Dialer
	logger     zerolog.Logger
	backoffMin time.Duration
	backoffMax time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	consumers map[string]map[int]func(syncstore.Change)
	nextKey   int
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an unconnected feed; call Start to dial.
func New(cfg Config) *Feed {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	backoffMin := cfg.BackoffMin
	if backoffMin <= 0 {
		backoffMin = defaultBackoffMin
	}

	backoffMax := cfg.BackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}

	return &Feed{
		url:        cfg.URL,
		dialer:     dialer,
		logger:     cfg.Logger.With().Str("component", "realtimefeed").Logger(),
		backoffMin: backoffMin,
		backoffMax: backoffMax,
		consumers:  map[string]map[int]func(syncstore.Change){},
	}
}

// Start dials the server and begins reading events. The initial dial failure
// is returned to the caller rather than retried: it is usually a bad URL or
// refused credentials, which no amount of backoff fixes. Once the first
// connection stands, later drops reconnect automatically until ctx ends or
// Close is called.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()

	if f.closed {
		f.mu.Unlock()
		return ErrFeedClosed
	}

	if f.started {
		f.mu.Unlock()
		return fmt.Errorf("realtime feed already started")
	}

	f.started = true
	f.mu.Unlock()

	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		f.mu.Lock()
		f.started = false
		f.mu.Unlock()

		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	f.mu.Lock()
	f.conn = conn
	f.ctx = runCtx
	f.cancel = cancel
	f.done = make(chan struct{})
	f.mu.Unlock()

	f.logger.Info().Str("url", f.url).Msg("realtime feed connected")

	go f.run(runCtx, conn)

	return nil
}

// Close tears the connection down and stops the reconnect loop.
func (f *Feed) Close() error {
	f.mu.Lock()

	if f.closed {
		f.mu.Unlock()
		return nil
	}

	f.closed = true

	cancel := f.cancel
	conn := f.conn
	done := f.done

	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		_ = conn.Close()
	}

	if done != nil {
		<-done
	}

	return nil
}

// Subscribe registers a consumer for one entity type's events and tells the
// server to start pushing them. The returned function unregisters the
// consumer; the last consumer for a type sends an unsubscribe.
func (f *Feed) Subscribe(entityType string, onEvent func(syncstore.Change)) (func(), error) {
	f.mu.Lock()

	if f.closed {
		f.mu.Unlock()
		return nil, ErrFeedClosed
	}

	if f.conn == nil {
		f.mu.Unlock()
		return nil, ErrNotConnected
	}

	_, active := f.consumers[entityType]
	if !active {
		f.consumers[entityType] = map[int]func(syncstore.Change){}
	}

	key := f.nextKey
	f.nextKey++
	f.consumers[entityType][key] = onEvent

	conn := f.conn

	f.mu.Unlock()

	if !active {
		err := f.writeControl(conn, subscribeMsg{Subscribe: entityType})
		if err != nil {
			f.mu.Lock()

			delete(f.consumers[entityType], key)
			if len(f.consumers[entityType]) == 0 {
				delete(f.consumers, entityType)
			}

			f.mu.Unlock()

			return nil, fmt.Errorf("subscribe %s: %w", entityType, err)
		}
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			f.unsubscribe(entityType, key)
		})
	}, nil
}

func (f *Feed) unsubscribe(entityType string, key int) {
	f.mu.Lock()

	sub, ok := f.consumers[entityType]
	if !ok {
		f.mu.Unlock()
		return
	}

	delete(sub, key)

	var conn *websocket.Conn

	if len(sub) == 0 {
		delete(f.consumers, entityType)
		conn = f.conn
	}

	closed := f.closed

	f.mu.Unlock()

	if conn != nil && !closed {
		err := f.writeControl(conn, subscribeMsg{Unsubscribe: entityType})
		if err != nil {
			f.logger.Debug().Err(err).Str("entity_type", entityType).Msg("unsubscribe send failed")
		}
	}
}

// writeControl serializes control writes; gorilla permits one concurrent
// writer per connection.
func (f *Feed) writeControl(conn *websocket.Conn, msg subscribeMsg) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != conn {
		return ErrNotConnected
	}

	return conn.WriteMessage(websocket.TextMessage, payload)
}

// run reads events until the connection drops, then reconnects with backoff
// and replays active subscriptions. Returns when ctx ends or the feed closes.
func (f *Feed) run(ctx context.Context, conn *websocket.Conn) {
	defer close(f.done)

	for {
		f.readLoop(conn)

		if ctx.Err() != nil || f.isClosed() {
			return
		}

		f.logger.Warn().Str("url", f.url).Msg("realtime feed disconnected")

		conn = f.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		var event Event

		err := conn.ReadJSON(&event)
		if err != nil {
			var (
				typeErr   *json.UnmarshalTypeError
				syntaxErr *json.SyntaxError
			)

			// A malformed frame is the server's bug, not a reason to drop
			// the connection.
			if errors.As(err, &typeErr) || errors.As(err, &syntaxErr) {
				f.logger.Warn().Err(err).Msg("discarding undecodable event")
				continue
			}

			_ = conn.Close()

			return
		}

		f.dispatch(event)
	}
}

func (f *Feed) dispatch(event Event) {
	kind, ok := changeKind(event.Action)
	if !ok {
		f.logger.Warn().Str("action", event.Action).Msg("discarding event with unknown action")
		return
	}

	ch := syncstore.Change{
		EntityType: event.EntityType,
		Kind:       kind,
		Record:     event.Record,
	}

	f.mu.Lock()

	listeners := make([]func(syncstore.Change), 0, len(f.consumers[event.EntityType]))
	for _, fn := range f.consumers[event.EntityType] {
		listeners = append(listeners, fn)
	}

	f.mu.Unlock()

	for _, fn := range listeners {
		fn(ch)
	}
}

// reconnect redials until it succeeds, doubling the delay between attempts up
// to the configured maximum. Returns nil when ctx ends or the feed closes.
func (f *Feed) reconnect(ctx context.Context) *websocket.Conn {
	delay := f.backoffMin

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		if f.isClosed() {
			return nil
		}

		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.logger.Debug().Err(err).Dur("next_delay", delay).Msg("reconnect attempt failed")

			delay *= 2
			if delay > f.backoffMax {
				delay = f.backoffMax
			}

			continue
		}

		f.mu.Lock()
		f.conn = conn

		types := make([]string, 0, len(f.consumers))
		for entityType := range f.consumers {
			types = append(types, entityType)
		}

		f.mu.Unlock()

		ok := true

		for _, entityType := range types {
			err := f.writeControl(conn, subscribeMsg{Subscribe: entityType})
			if err != nil {
				f.logger.Warn().Err(err).Str("entity_type", entityType).Msg("resubscribe failed")

				ok = false

				break
			}
		}

		if !ok {
			_ = conn.Close()
			continue
		}

		f.logger.Info().Str("url", f.url).Msg("realtime feed reconnected")

		return conn
	}
}

func (f *Feed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func changeKind(action string) (syncstore.ChangeKind, bool) {
	switch action {
	case "created":
		return syncstore.Created, true
	case "updated":
		return syncstore.Updated, true
	case "deleted":
		return syncstore.Deleted, true
	default:
		return 0, false
	}
}

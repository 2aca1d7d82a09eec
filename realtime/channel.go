package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected indicates an emit while the channel is down.
	ErrNotConnected = errors.New("realtime: channel is not connected")

	errMissingType = errors.New("realtime: envelope carries no type")
)

// State represents the lifecycle state of the realtime channel.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
)

// ChannelOptions configures the realtime channel.
type ChannelOptions struct {
	URL string

	Dialer           *websocket.Dialer
	HandshakeTimeout time.Duration
	Logger           *zap.SugaredLogger
}

// Channel owns the single realtime connection for the authenticated session.
//
// Feature components never open or close the connection themselves; they
// borrow it through Subscribe and Emit. A session change must go through
// Connect/Disconnect so that exactly one connection exists per identity.
// Delivery is not queued across disconnects: subscribers must tolerate gaps
// and recover through a full-state reload.
type Channel struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.SugaredLogger

	stateMu sync.RWMutex
	state   State

	connMu     sync.Mutex
	conn       *websocket.Conn
	generation uint64

	writeMu sync.Mutex

	subMu       sync.Mutex
	subscribers map[string]map[*Subscription]struct{}

	errors chan error
}

// Subscription is a scoped handle on one event-category registration.
// Closing it deregisters the callback; it is safe to close more than once.
type Subscription struct {
	channel   *Channel
	eventType string
	fn        func(Envelope)
	closeOnce sync.Once
}

// Close releases the subscription.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.channel == nil {
			return
		}
		s.channel.subMu.Lock()
		defer s.channel.subMu.Unlock()
		if set, ok := s.channel.subscribers[s.eventType]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.channel.subscribers, s.eventType)
			}
		}
	})
}

// NewChannel creates a disconnected channel.
func NewChannel(options ChannelOptions) (*Channel, error) {
	if options.URL == "" {
		return nil, errors.New("realtime URL is required")
	}

	dialer := options.Dialer
	if dialer == nil {
		timeout := options.HandshakeTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		dialer = &websocket.Dialer{HandshakeTimeout: timeout}
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Channel{
		url:         options.URL,
		dialer:      dialer,
		log:         logger,
		state:       StateDisconnected,
		subscribers: make(map[string]map[*Subscription]struct{}),
		errors:      make(chan error, 16),
	}, nil
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Errors returns asynchronous transport errors. The channel does not retry
// on its own; reconnection policy belongs to a collaborator.
func (c *Channel) Errors() <-chan error {
	return c.errors
}

// Connect establishes the connection for one authenticated session, tearing
// down any prior connection first. Concurrent connections for different
// identities are never allowed.
func (c *Channel) Connect(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return errors.New("access token is required")
	}

	c.Disconnect()
	c.setState(StateConnecting)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial realtime transport: %w", err)
	}

	c.connMu.Lock()
	if c.conn != nil {
		// A concurrent Connect won the race to store its connection first.
		// Exactly one connection may live; the stored one loses.
		_ = c.conn.Close()
	}
	c.conn = conn
	c.generation++
	generation := c.generation
	c.connMu.Unlock()

	c.setState(StateConnected)
	go c.readLoop(conn, generation)

	c.log.Debugw("realtime channel connected", "url", c.url)
	return nil
}

// Disconnect tears down the connection, if any. Subscriptions survive a
// disconnect and resume delivery after the next Connect.
func (c *Channel) Disconnect() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.generation++
	c.connMu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.setState(StateDisconnected)
}

// Subscribe registers interest in one event category. The callback runs for
// every matching inbound event while connected.
func (c *Channel) Subscribe(eventType string, fn func(Envelope)) *Subscription {
	sub := &Subscription{channel: c, eventType: eventType, fn: fn}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	set, ok := c.subscribers[eventType]
	if !ok {
		set = make(map[*Subscription]struct{})
		c.subscribers[eventType] = set
	}
	set[sub] = struct{}{}

	return sub
}

// Emit sends one command frame scoped by conversation ID.
func (c *Channel) Emit(commandType, conversationID string, payload any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	envelope := Envelope{Type: commandType, ConversationID: conversationID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", commandType, err)
		}
		envelope.Payload = raw
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", commandType, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("emit %s: %w", commandType, err)
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn, generation uint64) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.isCurrent(conn, generation) {
				c.Disconnect()
				c.reportError(fmt.Errorf("realtime transport closed: %w", err))
			}
			return
		}

		envelope, err := DecodeEnvelope(raw)
		if err != nil {
			c.log.Debugw("dropping undecodable realtime frame", "error", err)
			continue
		}
		c.dispatch(envelope)
	}
}

func (c *Channel) dispatch(envelope Envelope) {
	c.subMu.Lock()
	targets := make([]func(Envelope), 0, 4)
	for sub := range c.subscribers[envelope.Type] {
		targets = append(targets, sub.fn)
	}
	c.subMu.Unlock()

	for _, fn := range targets {
		fn(envelope)
	}
}

func (c *Channel) isCurrent(conn *websocket.Conn, generation uint64) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn == conn && c.generation == generation
}

func (c *Channel) setState(state State) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}

func (c *Channel) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

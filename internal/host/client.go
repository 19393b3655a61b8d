package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Host is the browser's extension-management capability as seen by the
// organizer. Calls may fail transiently; failures are *Error values.
type Host interface {
	ListExtensions() ([]*ExtensionRecord, error)
	SetEnabled(id string, enabled bool) error
	OnEnabled(handler ExtensionEventHandler) (Subscription, error)
	OnDisabled(handler ExtensionEventHandler) (Subscription, error)
	// SelfID is the bridge's own extension ID, which is never managed.
	SelfID() string
}

const requestTimeout = 10 * time.Second

// subscriberEntry holds a handler with its unique subscription ID
type subscriberEntry struct {
	subID   int
	handler ExtensionEventHandler
}

type subscription struct {
	eventType string
	subID     int
	registry  *subscriberRegistry
}

func (s *subscription) Unsubscribe() error {
	s.registry.remove(s.eventType, s.subID)
	return nil
}

// subscriberRegistry keeps notification handlers keyed by event type.
// It is shared by Client and MockHost.
type subscriberRegistry struct {
	mu      sync.RWMutex
	entries map[string][]subscriberEntry
	nextID  int
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{entries: make(map[string][]subscriberEntry)}
}

func (r *subscriberRegistry) add(eventType string, handler ExtensionEventHandler) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.entries[eventType] = append(r.entries[eventType], subscriberEntry{subID: id, handler: handler})
	return &subscription{eventType: eventType, subID: id, registry: r}
}

func (r *subscriberRegistry) remove(eventType string, subID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.entries[eventType]
	for i, e := range entries {
		if e.subID == subID {
			r.entries[eventType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(r.entries[eventType]) == 0 {
		delete(r.entries, eventType)
	}
}

func (r *subscriberRegistry) count(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[eventType])
}

func (r *subscriberRegistry) notify(eventType string, info *ExtensionRecord) {
	r.mu.RLock()
	entries := append([]subscriberEntry(nil), r.entries[eventType]...)
	r.mu.RUnlock()

	for _, e := range entries {
		e.handler(info.Clone())
	}
}

// Client talks to the host bridge over a WebSocket.
type Client struct {
	url    string
	token  string
	logger *zap.Logger

	conn      *websocket.Conn
	connected bool
	reconnect bool
	selfID    string
	version   string
	connMu    sync.RWMutex
	writeMu   sync.Mutex

	msgID   int
	msgIDMu sync.Mutex

	pending   map[int]chan Message
	pendingMu sync.Mutex

	subs   *subscriberRegistry
	events *eventQueue

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a bridge client. Call Connect before use.
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	subs := newSubscriberRegistry()
	return &Client{
		url:       url,
		token:     token,
		logger:    logger.Named("host"),
		pending:   make(map[int]chan Message),
		subs:      subs,
		events:    &eventQueue{subs: subs},
		ctx:       ctx,
		cancel:    cancel,
		reconnect: true,
	}
}

// Connect dials the bridge, authenticates and subscribes to state events.
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to bridge: %w", err)
	}

	authOK, err := c.authenticate(conn)
	if err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.conn = conn
	c.connected = true
	c.reconnect = true
	c.selfID = authOK.SelfID
	c.version = authOK.HostVersion
	c.logger.Info("Connected to host bridge",
		zap.String("host_version", c.version),
		zap.String("self_id", c.selfID))

	go c.receiveMessages(conn)

	// Release the lock before the round trip; sendMessage takes it again.
	c.connMu.Unlock()

	if err := c.subscribeEvents(); err != nil {
		c.logger.Warn("Failed to subscribe to extension events", zap.Error(err))
	}
	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) (*Message, error) {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return nil, fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		return nil, fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token})
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send auth: %w", err)
	}

	var resp Message
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("failed to read auth response: %w", err)
	}
	switch resp.Type {
	case "auth_ok":
		return &resp, nil
	case "auth_invalid":
		return nil, fmt.Errorf("authentication failed: invalid token")
	default:
		return nil, fmt.Errorf("expected auth_ok, got %s", resp.Type)
	}
}

// Disconnect closes the connection and stops reconnect attempts.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	c.cancel()
	if !c.connected {
		return nil
	}
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("Disconnected from host bridge")
	return nil
}

// IsConnected reports whether the bridge connection is up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// SelfID implements Host.
func (c *Client) SelfID() string {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.selfID
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage writes a request and waits for the matching result frame.
func (c *Client) sendMessage(msgID int, msg interface{}) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, &Error{Code: CodeNotConnected, Message: "not connected to host bridge"}
	}
	conn := c.conn
	ctx := c.ctx
	c.connMu.RUnlock()

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, &Error{Code: CodeSendFailed, Message: err.Error()}
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return nil, &Error{Code: CodeRequest, Message: "request failed"}
		}
		return &resp, nil
	case <-time.After(requestTimeout):
		return nil, &Error{Code: CodeTimeout, Message: "timeout waiting for host response"}
	case <-ctx.Done():
		return nil, &Error{Code: CodeDisconnected, Message: "client disconnected"}
	}
}

// receiveMessages routes results to waiting callers and events to subscribers.
func (c *Client) receiveMessages(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.connMu.RLock()
			current := c.conn == conn && c.connected
			c.connMu.RUnlock()
			if current {
				c.logger.Error("Failed to read message", zap.Error(err))
				c.handleDisconnect()
			}
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil || msg.Event.Data == nil {
		return
	}
	switch msg.Event.EventType {
	case EventEnabled, EventDisabled:
	default:
		return
	}

	c.logger.Debug("Extension event",
		zap.String("event_type", msg.Event.EventType),
		zap.String("extension_id", msg.Event.Data.ID))

	c.events.push(msg.Event.EventType, msg.Event.Data)
}

// eventQueue hands events to subscribers one at a time in arrival order.
// Delivery happens off the read loop so a slow handler cannot stall
// responses.
type eventQueue struct {
	subs *subscriberRegistry

	mu       sync.Mutex
	items    []queuedEvent
	draining bool
}

type queuedEvent struct {
	eventType string
	rec       *ExtensionRecord
}

func (q *eventQueue) push(eventType string, rec *ExtensionRecord) {
	q.mu.Lock()
	q.items = append(q.items, queuedEvent{eventType: eventType, rec: rec})
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	go q.drain()
}

func (q *eventQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.subs.notify(ev.eventType, ev.rec)
	}
}

func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	reconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection to host bridge lost")
	if reconnect {
		go c.attemptReconnect()
	}
}

// attemptReconnect retries Connect with exponential backoff. Handlers stay
// registered across reconnects.
func (c *Client) attemptReconnect() {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		c.connMu.RLock()
		reconnect := c.reconnect
		c.connMu.RUnlock()
		if !reconnect {
			return
		}

		time.Sleep(backoff)
		c.logger.Info("Attempting to reconnect to host bridge", zap.Duration("backoff", backoff))

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected to host bridge")
		return
	}
}

func (c *Client) subscribeEvents() error {
	id := c.nextMsgID()
	_, err := c.sendMessage(id, &SubscribeEventsRequest{ID: id, Type: "subscribe_events"})
	return err
}

// ListExtensions implements Host.
func (c *Client) ListExtensions() ([]*ExtensionRecord, error) {
	id := c.nextMsgID()
	resp, err := c.sendMessage(id, &GetAllRequest{ID: id, Type: "get_all"})
	if err != nil {
		return nil, err
	}

	var records []*ExtensionRecord
	if err := json.Unmarshal(resp.Result, &records); err != nil {
		return nil, fmt.Errorf("failed to unmarshal extensions: %w", err)
	}
	return records, nil
}

// SetEnabled implements Host.
func (c *Client) SetEnabled(id string, enabled bool) error {
	msgID := c.nextMsgID()
	_, err := c.sendMessage(msgID, &SetEnabledRequest{
		ID:          msgID,
		Type:        "set_enabled",
		ExtensionID: id,
		Enabled:     enabled,
	})
	return err
}

// OnEnabled implements Host.
func (c *Client) OnEnabled(handler ExtensionEventHandler) (Subscription, error) {
	return c.subs.add(EventEnabled, handler), nil
}

// OnDisabled implements Host.
func (c *Client) OnDisabled(handler ExtensionEventHandler) (Subscription, error) {
	return c.subs.add(EventDisabled, handler), nil
}

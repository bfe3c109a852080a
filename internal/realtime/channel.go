package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultReconnectDelay    = 3 * time.Second

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// EventFunc receives every validated inbound event for a session.
type EventFunc func(Event)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// URL is the broker's websocket endpoint.
	URL string
	// Token is presented as a bearer credential in the CONNECT frame.
	Token             string
	HTTPClient        *http.Client
	Logger            Logger
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
}

// Channel holds at most one live broker session. Connect tears down any
// prior session before opening a new one, so two projects can never hold
// live sessions at once through the same Channel.
type Channel struct {
	url            string
	token          string
	httpClient     *http.Client
	logger         Logger
	heartbeat      time.Duration
	reconnectDelay time.Duration
	validator      *Validator

	mu      sync.Mutex
	sess    *session
	pending []Frame
}

func New(opts Options) (*Channel, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("broker url is required")
	}
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	return &Channel{
		url:            opts.URL,
		token:          opts.Token,
		httpClient:     opts.HTTPClient,
		logger:         opts.Logger,
		heartbeat:      heartbeat,
		reconnectDelay: reconnectDelay,
		validator:      validator,
	}, nil
}

// Connect opens a session for projectID. Connecting to the project that is
// already live is a no-op; connecting to a different project fully tears
// down the previous session first. On success any frames queued while
// disconnected are flushed in arrival order, then the read and heartbeat
// loops take over and keep the session alive with fixed-delay reconnects.
func (c *Channel) Connect(ctx context.Context, projectID, userID string, onEvent EventFunc) error {
	c.mu.Lock()
	if c.sess != nil && c.sess.projectID == projectID {
		c.mu.Unlock()
		return nil
	}
	prev := c.sess
	c.sess = nil
	c.mu.Unlock()
	if prev != nil {
		prev.teardown()
	}

	conn, err := c.dialAndSubscribe(ctx, projectID)
	if err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		channel:   c,
		projectID: projectID,
		userID:    userID,
		onEvent:   onEvent,
		ctx:       sessCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		conn:      conn,
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	c.flushPending(sess)
	go sess.run()
	return nil
}

// Send publishes an event now if a session is live, or queues it for the
// next successful connect. Stroke events go to the stroke destination and
// everything else to the collaboration destination.
func (c *Channel) Send(projectID, userID, eventType string, payload any) error {
	var body json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = data
	}
	eventData, err := json.Marshal(Event{
		ProjectID: projectID,
		UserID:    userID,
		Type:      eventType,
		Payload:   body,
	})
	if err != nil {
		return err
	}
	frame := Frame{
		Command: CommandSend,
		Headers: map[string]string{"destination": destinationFor(projectID, eventType)},
		Body:    eventData,
	}

	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.pending = append(c.pending, frame)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := sess.writeFrame(frame); err != nil {
		// The connection dropped under us; the reconnect flush will
		// deliver this frame with the rest of the queue.
		c.mu.Lock()
		c.pending = append(c.pending, frame)
		c.mu.Unlock()
	}
	return nil
}

// Disconnect tears the session down completely: DISCONNECT frame, closed
// transport, stopped loops, cleared pending queue. Safe to call repeatedly
// and before any Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.pending = nil
	c.mu.Unlock()
	if sess != nil {
		sess.teardown()
	}
}

// flushPending writes queued frames in order. A write failure puts the
// unsent remainder back at the head of the queue for the next connect.
func (c *Channel) flushPending(sess *session) {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()
	for i, frame := range queued {
		if err := sess.writeFrame(frame); err != nil {
			c.logf("flush of queued frames stalled: %v", err)
			c.mu.Lock()
			c.pending = append(append([]Frame{}, queued[i:]...), c.pending...)
			c.mu.Unlock()
			return
		}
	}
}

// dialAndSubscribe opens the transport and completes the protocol
// handshake: CONNECT with the bearer token, a CONNECTED reply, then
// subscriptions to the project's stroke and collaboration topics.
func (c *Channel) dialAndSubscribe(ctx context.Context, projectID string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		}
	}()

	connect := Frame{Command: CommandConnect, Headers: map[string]string{
		"authorization": "Bearer " + c.token,
		"heart-beat":    fmt.Sprintf("%d,%d", c.heartbeat.Milliseconds(), c.heartbeat.Milliseconds()),
	}}
	if err := writeFrameConn(dialCtx, conn, connect); err != nil {
		return nil, err
	}
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("read connect reply: %w", err)
	}
	reply, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	if reply.Command != CommandConnected {
		return nil, fmt.Errorf("broker refused connect: %s", reply.Command)
	}

	for i, topic := range []string{StrokeTopic(projectID), CollabTopic(projectID)} {
		sub := Frame{Command: CommandSubscribe, Headers: map[string]string{
			"id":          fmt.Sprintf("sub-%d", i),
			"destination": topic,
		}}
		if err := writeFrameConn(dialCtx, conn, sub); err != nil {
			return nil, err
		}
	}
	ok = true
	return conn, nil
}

func (c *Channel) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

type session struct {
	channel   *Channel
	projectID string
	userID    string
	onEvent   EventFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *session) run() {
	defer close(s.done)
	go s.heartbeatLoop()
	for {
		err := s.readLoop()
		if s.ctx.Err() != nil {
			return
		}
		s.channel.logf("realtime session lost: %v; reconnecting", err)
		if !s.reconnect() {
			return
		}
	}
}

func (s *session) readLoop() error {
	conn := s.currentConn()
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return err
		}
		s.handleFrame(data)
	}
}

// handleFrame decodes and dispatches one inbound frame. A frame that fails
// decoding or schema validation is logged and dropped; inbound traffic must
// never crash the session.
func (s *session) handleFrame(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		s.channel.logf("dropping undecodable frame: %v", err)
		return
	}
	switch frame.Command {
	case CommandMessage:
		if err := s.channel.validator.Validate(frame.Body); err != nil {
			s.channel.logf("dropping invalid event: %v", err)
			return
		}
		var event Event
		if err := json.Unmarshal(frame.Body, &event); err != nil {
			s.channel.logf("dropping undecodable event: %v", err)
			return
		}
		if s.onEvent != nil {
			s.onEvent(event)
		}
	case CommandHeartbeat:
		// Broker liveness signal only.
	case CommandError:
		s.channel.logf("broker error frame: %s", string(frame.Body))
	default:
		s.channel.logf("dropping unexpected %s frame", frame.Command)
	}
}

// reconnect retries the full handshake at a fixed delay until the session
// is back up or torn down. Reports false when the session ended.
func (s *session) reconnect() bool {
	delay := s.channel.reconnectDelay
	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(delay):
		}
		conn, err := s.channel.dialAndSubscribe(s.ctx, s.projectID)
		if err != nil {
			s.channel.logf("reconnect failed: %v; retrying in %s", err, delay)
			continue
		}
		s.setConn(conn)
		s.channel.flushPending(s)
		return true
	}
}

func (s *session) heartbeatLoop() {
	ticker := time.NewTicker(s.channel.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			// A failed beat means a dead connection, which the read
			// loop notices on its own.
			_ = s.writeFrame(Frame{Command: CommandHeartbeat})
		}
	}
}

func (s *session) teardown() {
	_ = s.writeFrame(Frame{Command: CommandDisconnect})
	s.cancel()
	if conn := s.currentConn(); conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "disconnect")
	}
	<-s.done
}

func (s *session) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *session) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *session) writeFrame(frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("no live connection")
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return writeFrameConn(ctx, s.conn, frame)
}

func writeFrameConn(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

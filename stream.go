package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// StreamState represents the lifecycle state of a stream session.
type StreamState int

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamAuthenticated
	StreamReconnecting
	StreamError
)

// String returns the lowercase state name.
func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "disconnected"
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamAuthenticated:
		return "authenticated"
	case StreamReconnecting:
		return "reconnecting"
	case StreamError:
		return "error"
	default:
		return "unknown"
	}
}

// SubscriptionType identifies a logical stream channel.
type SubscriptionType string

const (
	SubscriptionTrades       SubscriptionType = "trades"
	SubscriptionQuotes       SubscriptionType = "quotes"
	SubscriptionBars         SubscriptionType = "bars"
	SubscriptionTradeUpdates SubscriptionType = "trade_updates"
)

// SubscriptionConfig describes one logical channel subscription.
type SubscriptionConfig struct {
	Type    SubscriptionType
	Symbols []string
}

// Key returns the canonical subscription identity: type plus sorted symbols,
// so symbol order never produces distinct subscriptions.
func (c SubscriptionConfig) Key() string {
	symbols := make([]string, len(c.Symbols))
	copy(symbols, c.Symbols)
	sort.Strings(symbols)
	return string(c.Type) + ":" + strings.Join(symbols, ",")
}

// StreamMessage is one inbound message awaiting dispatch.
type StreamMessage struct {
	Type       string
	Data       json.RawMessage
	ReceivedAt time.Time
}

// StreamConn is the transport surface the session consumes. Satisfied by
// *websocket.Conn; tests substitute an in-memory implementation via
// WithStreamDialer.
type StreamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// StreamDialer opens a transport connection to url within timeout.
type StreamDialer func(ctx context.Context, url string, timeout time.Duration) (StreamConn, error)

func defaultStreamDialer(ctx context.Context, url string, timeout time.Duration) (StreamConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// StreamConfig holds stream session configuration.
type StreamConfig struct {
	// URL is the websocket endpoint, e.g. TradingStreamURL(EnvironmentPaper)
	// or DataStreamURL("iex").
	URL string

	// KeyID and SecretKey authenticate the session after connect. Empty
	// credentials skip the auth handshake.
	KeyID     string
	SecretKey string

	// MaxReconnectAttempts caps consecutive reconnect attempts after an
	// unclean closure. Reaching the cap leaves the session disconnected.
	MaxReconnectAttempts int

	// ReconnectDelay is the base backoff delay; attempt n waits
	// ReconnectDelay * 2^(n-1), capped at MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// PingInterval spaces keepalive pings; <= 0 disables pinging.
	PingInterval time.Duration

	// MaxQueueSize bounds the inbound dispatch queue. When full, new
	// messages are dropped (drop-new policy) and a warning is emitted.
	MaxQueueSize int

	// ConnectionTimeout bounds the transport dial and handshake.
	ConnectionTimeout time.Duration

	// DisableAutoReconnect turns off reconnection on unclean closure.
	DisableAutoReconnect bool

	// Clock overrides the time source, for tests.
	Clock clock.Clock
}

// StreamMetrics is a point-in-time snapshot of session state.
type StreamMetrics struct {
	State             StreamState
	ConnectTime       time.Time
	LastMessageTime   time.Time
	MessagesSent      int64
	MessagesReceived  int64
	DroppedMessages   int64
	ReconnectAttempts int
	Subscriptions     int
	QueueSize         int
}

// StreamOption configures a StreamClient.
type StreamOption func(*StreamClient)

// WithOnMessage sets the handler invoked once per dispatched message, in
// arrival order.
func WithOnMessage(fn func(StreamMessage)) StreamOption {
	return func(s *StreamClient) { s.onMessage = fn }
}

// WithOnError sets the handler invoked for session-level errors.
func WithOnError(fn func(error)) StreamOption {
	return func(s *StreamClient) { s.onError = fn }
}

// WithOnReconnect sets the handler invoked before each reconnect attempt.
func WithOnReconnect(fn func(attempt int)) StreamOption {
	return func(s *StreamClient) { s.onReconnect = fn }
}

// WithOnStateChange sets the handler invoked on every state transition.
// The handler must not call back into the client.
func WithOnStateChange(fn func(from, to StreamState)) StreamOption {
	return func(s *StreamClient) { s.onStateChange = fn }
}

// WithStreamLogger sets the session logger.
func WithStreamLogger(logger Logger) StreamOption {
	return func(s *StreamClient) { s.logger = logger }
}

// WithStreamMetrics attaches a metrics collector.
func WithStreamMetrics(metrics *MetricsCollector) StreamOption {
	return func(s *StreamClient) { s.metrics = metrics }
}

// WithStreamDialer replaces the websocket dialer. Test seam.
func WithStreamDialer(dial StreamDialer) StreamOption {
	return func(s *StreamClient) { s.dial = dial }
}

// StreamClient owns a single transport connection with automatic
// reconnection, subscription replay and bounded inbound queueing. The
// subscriptions map is the source of truth: after any successful
// (re)connect every registered subscription is re-sent to the transport.
// It is safe for concurrent use.
type StreamClient struct {
	config  StreamConfig
	clock   clock.Clock
	dial    StreamDialer
	logger  Logger
	metrics *MetricsCollector
	name    string

	onMessage     func(StreamMessage)
	onError       func(error)
	onReconnect   func(attempt int)
	onStateChange func(from, to StreamState)

	mu                sync.Mutex
	state             StreamState
	conn              StreamConn
	generation        uint64
	subscriptions     map[string]SubscriptionConfig
	reconnectAttempts int
	connectTime       time.Time
	lastMessageTime   time.Time
	pingStop          chan struct{}
	reconnectStop     chan struct{}
	disposed          bool
	backoff           *backoff.ExponentialBackOff

	writeMu sync.Mutex

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	droppedMessages  atomic.Int64

	queue        chan StreamMessage
	quit         chan struct{}
	dispatchOnce sync.Once
	disposeOnce  sync.Once
}

// NewStreamClient creates a stream session with the given configuration.
// Zero fields fall back to defaults.
func NewStreamClient(config StreamConfig, opts ...StreamOption) *StreamClient {
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = 5
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = 30 * time.Second
	}
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 1000
	}
	if config.ConnectionTimeout <= 0 {
		config.ConnectionTimeout = 10 * time.Second
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = config.ReconnectDelay
	bo.MaxInterval = config.MaxReconnectDelay
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	s := &StreamClient{
		config:        config,
		clock:         clk,
		dial:          defaultStreamDialer,
		name:          "default",
		state:         StreamDisconnected,
		subscriptions: make(map[string]SubscriptionConfig),
		backoff:       bo,
		queue:         make(chan StreamMessage, config.MaxQueueSize),
		quit:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect drives the session from disconnected to connected, authenticates
// when credentials are configured and replays all registered subscriptions.
func (s *StreamClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return newClientError(ErrorTypeConfiguration, "stream session disposed", ErrStreamDisposed)
	}
	switch s.state {
	case StreamConnecting, StreamConnected, StreamAuthenticated:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.connectOnce(ctx)
}

// connectOnce performs one dial attempt and, on success, starts the read,
// ping and dispatch loops, resets reconnect bookkeeping and replays the
// subscription map.
func (s *StreamClient) connectOnce(ctx context.Context) error {
	s.mu.Lock()
	s.setStateLocked(StreamConnecting)
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	conn, err := s.dial(ctx, s.config.URL, s.config.ConnectionTimeout)
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StreamError)
		s.mu.Unlock()
		cerr := newClientError(ErrorTypeNetwork,
			fmt.Sprintf("stream connect to %s failed", s.config.URL), err)
		cerr.Component = "stream"
		s.metrics.RecordError(ErrorTypeNetwork, "stream")
		s.emitError(cerr)
		return cerr
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		_ = conn.Close()
		return newClientError(ErrorTypeConfiguration, "stream session disposed", ErrStreamDisposed)
	}
	if gen != s.generation {
		// A concurrent Connect or Disconnect superseded this dial; the
		// session already reflects the winner, so this attempt just folds.
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.setStateLocked(StreamConnected)
	s.connectTime = s.clock.Now()
	s.reconnectAttempts = 0
	s.backoff.Reset()
	pingStop := make(chan struct{})
	s.pingStop = pingStop
	s.mu.Unlock()

	s.dispatchOnce.Do(func() { go s.dispatchLoop() })
	go s.readLoop(conn, gen)
	if s.config.PingInterval > 0 {
		go s.pingLoop(conn, pingStop)
	}

	s.authenticate(conn)
	s.replaySubscriptions(conn)
	return nil
}

// Disconnect closes the transport with a normal-closure code and cancels all
// timers. Subscriptions are retained so a subsequent Connect restores them.
func (s *StreamClient) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	s.stopPingLocked()
	s.stopReconnectLocked()
	s.closeConnLocked(websocket.CloseNormalClosure)
	s.setStateLocked(StreamDisconnected)
}

// Dispose forcibly tears the session down: disconnects, clears the
// subscription map and drains the message queue. The session cannot be
// reused afterwards.
func (s *StreamClient) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.generation++
	s.stopPingLocked()
	s.stopReconnectLocked()
	s.closeConnLocked(websocket.CloseNormalClosure)
	s.subscriptions = make(map[string]SubscriptionConfig)
	s.setStateLocked(StreamDisconnected)
	s.mu.Unlock()

	s.disposeOnce.Do(func() { close(s.quit) })
	for {
		select {
		case <-s.queue:
		default:
			s.metrics.RecordStreamQueueSize(s.name, 0)
			return
		}
	}
}

// Subscribe registers a logical channel. The map is updated first so replay
// after a reconnect is correct even while disconnected; when currently
// connected the subscribe frame is also sent immediately.
func (s *StreamClient) Subscribe(config SubscriptionConfig) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return newClientError(ErrorTypeConfiguration, "stream session disposed", ErrStreamDisposed)
	}
	s.subscriptions[config.Key()] = config
	conn := s.conn
	connected := s.state == StreamConnected || s.state == StreamAuthenticated
	s.mu.Unlock()

	if connected && conn != nil {
		return s.sendSubscription(conn, "subscribe", config)
	}
	return nil
}

// Unsubscribe removes a logical channel and, when connected, notifies the
// transport.
func (s *StreamClient) Unsubscribe(config SubscriptionConfig) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return newClientError(ErrorTypeConfiguration, "stream session disposed", ErrStreamDisposed)
	}
	delete(s.subscriptions, config.Key())
	conn := s.conn
	connected := s.state == StreamConnected || s.state == StreamAuthenticated
	s.mu.Unlock()

	if connected && conn != nil {
		return s.sendSubscription(conn, "unsubscribe", config)
	}
	return nil
}

// State returns the current session state.
func (s *StreamClient) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the transport is established.
func (s *StreamClient) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StreamConnected || s.state == StreamAuthenticated
}

// Metrics returns a snapshot of session counters.
func (s *StreamClient) Metrics() StreamMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamMetrics{
		State:             s.state,
		ConnectTime:       s.connectTime,
		LastMessageTime:   s.lastMessageTime,
		MessagesSent:      s.messagesSent.Load(),
		MessagesReceived:  s.messagesReceived.Load(),
		DroppedMessages:   s.droppedMessages.Load(),
		ReconnectAttempts: s.reconnectAttempts,
		Subscriptions:     len(s.subscriptions),
		QueueSize:         len(s.queue),
	}
}

// readLoop reads transport frames until the connection fails or is replaced.
// gen ties the loop to the connection it was started for so a stale loop
// cannot react to a newer connection's lifecycle.
func (s *StreamClient) readLoop(conn StreamConn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadError(gen, err)
			return
		}

		s.mu.Lock()
		s.lastMessageTime = s.clock.Now()
		s.mu.Unlock()
		s.messagesReceived.Add(1)
		s.metrics.RecordStreamMessage(s.name, "received")
		s.processInbound(data)
	}
}

// processInbound parses a payload and either handles it as a control frame
// or appends it to the bounded queue. Malformed payloads are reported and
// dropped; a full queue drops the new message (drop-new policy).
func (s *StreamClient) processInbound(data []byte) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var frames []json.RawMessage
		if err := json.Unmarshal(data, &frames); err != nil {
			s.reportParseError(err)
			return
		}
		for _, frame := range frames {
			s.processFrame(frame)
		}
		return
	}
	s.processFrame(data)
}

func (s *StreamClient) processFrame(data []byte) {
	var frame struct {
		T   string `json:"T"`
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.reportParseError(err)
		return
	}

	switch frame.T {
	case "success":
		if frame.Msg == "authenticated" {
			s.mu.Lock()
			s.setStateLocked(StreamAuthenticated)
			s.mu.Unlock()
		}
		return
	case "error":
		cerr := newClientError(ErrorTypeAuthentication,
			fmt.Sprintf("stream error frame: %s", frame.Msg), ErrNotAuthenticated)
		cerr.Component = "stream"
		s.metrics.RecordError(ErrorTypeAuthentication, "stream")
		s.emitError(cerr)
		return
	case "subscription":
		// Subscription ack, bookkeeping only.
		return
	}

	msg := StreamMessage{
		Type:       frame.T,
		Data:       append(json.RawMessage(nil), data...),
		ReceivedAt: s.clock.Now(),
	}
	select {
	case s.queue <- msg:
		s.metrics.RecordStreamQueueSize(s.name, len(s.queue))
	default:
		s.droppedMessages.Add(1)
		s.metrics.RecordStreamDropped(s.name)
		if s.logger != nil {
			s.logger.Warn("stream queue full, dropping message", "type", msg.Type, "capacity", s.config.MaxQueueSize)
		}
	}
}

func (s *StreamClient) reportParseError(err error) {
	cerr := newClientError(ErrorTypeValidation, "stream message parse failed", err)
	cerr.Component = "stream"
	s.metrics.RecordError(ErrorTypeValidation, "stream")
	s.emitError(cerr)
}

// dispatchLoop drains the queue FIFO and invokes the message handler once
// per message. Handler panics are contained so one bad invocation cannot
// halt the drain.
func (s *StreamClient) dispatchLoop() {
	for {
		select {
		case msg := <-s.queue:
			s.dispatch(msg)
			s.metrics.RecordStreamQueueSize(s.name, len(s.queue))
		case <-s.quit:
			return
		}
	}
}

func (s *StreamClient) dispatch(msg StreamMessage) {
	defer func() {
		if r := recover(); r != nil && s.logger != nil {
			s.logger.Error("stream message handler panic", "type", msg.Type, "panic", r)
		}
	}()
	if s.onMessage != nil {
		s.onMessage(msg)
	}
}

// handleReadError reacts to a transport failure. Clean closes and explicit
// disconnects leave the session disconnected; unclean closes start the
// reconnect sequence when enabled.
func (s *StreamClient) handleReadError(gen uint64, err error) {
	s.mu.Lock()
	if s.disposed || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.stopPingLocked()
	s.closeConnLocked(0)

	clean := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if clean || s.config.DisableAutoReconnect {
		s.setStateLocked(StreamDisconnected)
		s.mu.Unlock()
		if !clean {
			s.emitReadError(err)
		}
		return
	}

	if s.reconnectStop == nil {
		s.reconnectStop = make(chan struct{})
	}
	stop := s.reconnectStop
	s.mu.Unlock()

	s.emitReadError(err)
	go s.runReconnect(stop)
}

func (s *StreamClient) emitReadError(err error) {
	cerr := newClientError(ErrorTypeNetwork, "stream connection lost", err)
	cerr.Component = "stream"
	s.metrics.RecordError(ErrorTypeNetwork, "stream")
	s.emitError(cerr)
}

// runReconnect is the explicit reconnect state machine: wait the backoff
// delay, attempt a connect, and either finish on success or loop until the
// attempt cap is reached, which leaves the session disconnected.
func (s *StreamClient) runReconnect(stop chan struct{}) {
	for {
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return
		}
		if s.reconnectAttempts >= s.config.MaxReconnectAttempts {
			s.setStateLocked(StreamDisconnected)
			s.reconnectStop = nil
			s.mu.Unlock()
			if s.logger != nil {
				s.logger.Warn("reconnect attempts exhausted", "attempts", s.config.MaxReconnectAttempts)
			}
			return
		}
		s.reconnectAttempts++
		attempt := s.reconnectAttempts
		s.setStateLocked(StreamReconnecting)
		delay := s.backoff.NextBackOff()
		s.mu.Unlock()

		s.metrics.RecordStreamReconnect(s.name)
		if s.logger != nil {
			s.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
		}
		if s.onReconnect != nil {
			s.onReconnect(attempt)
		}

		timer := s.clock.Timer(delay)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.ConnectionTimeout)
		err := s.connectOnce(ctx)
		cancel()
		if err == nil {
			s.mu.Lock()
			if s.reconnectStop == stop {
				s.reconnectStop = nil
			}
			s.mu.Unlock()
			return
		}
	}
}

// pingLoop sends keepalive pings until the connection is torn down.
func (s *StreamClient) pingLoop(conn StreamConn, stop chan struct{}) {
	ticker := s.clock.Ticker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if s.logger != nil {
					s.logger.Debug("ping failed", "error", err)
				}
				return
			}
		case <-stop:
			return
		}
	}
}

// authenticate sends the auth frame when credentials are configured. The
// authenticated state is entered when the server acknowledges.
func (s *StreamClient) authenticate(conn StreamConn) {
	if s.config.KeyID == "" || s.config.SecretKey == "" {
		return
	}
	frame := map[string]string{
		"action": "auth",
		"key":    s.config.KeyID,
		"secret": s.config.SecretKey,
	}
	if err := s.writeJSON(conn, frame); err != nil {
		cerr := newClientError(ErrorTypeAuthentication, "stream auth send failed", err)
		cerr.Component = "stream"
		s.emitError(cerr)
	}
}

// replaySubscriptions re-sends every registered subscription exactly once.
// Replay failures are logged, not fatal.
func (s *StreamClient) replaySubscriptions(conn StreamConn) {
	s.mu.Lock()
	configs := make([]SubscriptionConfig, 0, len(s.subscriptions))
	for _, config := range s.subscriptions {
		configs = append(configs, config)
	}
	s.mu.Unlock()

	for _, config := range configs {
		if err := s.sendSubscription(conn, "subscribe", config); err != nil && s.logger != nil {
			s.logger.Warn("subscription replay failed", "key", config.Key(), "error", err)
		}
	}
}

func (s *StreamClient) sendSubscription(conn StreamConn, action string, config SubscriptionConfig) error {
	frame := map[string]interface{}{
		"action":            action,
		string(config.Type): config.Symbols,
	}
	if err := s.writeJSON(conn, frame); err != nil {
		cerr := newClientError(ErrorTypeNetwork,
			fmt.Sprintf("stream %s send failed", action), err)
		cerr.Component = "stream"
		return cerr
	}
	return nil
}

func (s *StreamClient) writeJSON(conn StreamConn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.messagesSent.Add(1)
	s.metrics.RecordStreamMessage(s.name, "sent")
	return nil
}

func (s *StreamClient) emitError(err error) {
	if s.onError != nil {
		s.onError(err)
	} else if s.logger != nil {
		s.logger.Error("stream error", "error", err)
	}
}

func (s *StreamClient) setStateLocked(next StreamState) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	s.metrics.RecordStreamState(s.name, next)
	if s.onStateChange != nil {
		s.onStateChange(prev, next)
	}
}

func (s *StreamClient) stopPingLocked() {
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
}

func (s *StreamClient) stopReconnectLocked() {
	if s.reconnectStop != nil {
		close(s.reconnectStop)
		s.reconnectStop = nil
	}
}

func (s *StreamClient) closeConnLocked(closeCode int) {
	if s.conn == nil {
		return
	}
	if closeCode != 0 {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, ""), deadline)
	}
	_ = s.conn.Close()
	s.conn = nil
}

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"lnwallet/internal/observability"
	"lnwallet/internal/scheduler"
	"lnwallet/internal/wallet"
)

// State describes the subscription channel lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Conn is one established subscription channel.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer establishes subscription channels. The websocket dialer is the
// production implementation; tests substitute scripted connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer connects to the backend's payment stream endpoint.
type WebsocketDialer struct {
	URL              string
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, d.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// Ledger is the slice of the wallet ledger the monitor needs.
type Ledger interface {
	ResolveOwnerByBackendAccountID(ctx context.Context, backendAccountID string) (string, error)
	ApplyPaymentEvent(ctx context.Context, ev wallet.PaymentEvent) error
}

// paymentFrame mirrors the backend's websocket push format. Frames
// without a payment object are keepalives or balance pushes.
type paymentFrame struct {
	Payment *paymentBody `json:"payment"`
}

type paymentBody struct {
	CheckingID  string `json:"checking_id"`
	PaymentHash string `json:"payment_hash"`
	AmountMsat  int64  `json:"amount"`
	WalletID    string `json:"wallet_id"`
	Memo        string `json:"memo"`
	Pending     bool   `json:"pending"`
}

// Health is a point-in-time snapshot of the subscription channel.
type Health struct {
	State               string    `json:"state"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastConnectedAt     time.Time `json:"last_connected_at,omitempty"`
}

// Config tunes the monitor's reconnect and dedup behavior.
type Config struct {
	// InitialBackoff is the delay before the first reconnect attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling reconnect delay.
	MaxBackoff time.Duration
	// DedupCapacity bounds the recent checking_id set.
	DedupCapacity int
	// DispatchTimeout bounds each ledger apply plus sink fan-out.
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 4096
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	return c
}

// Monitor subscribes to the backend's settled-payment stream and turns
// frames into ledger updates and sink notifications. It owns exactly one
// channel at a time and reconnects forever until Shutdown.
type Monitor struct {
	dialer  Dialer
	ledger  Ledger
	runner  scheduler.Runner
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics
	health  *observability.HealthChecker

	seen *recentSet

	state       atomic.Int32
	failures    atomic.Int64
	lastErr     atomic.Value
	connectedAt atomic.Int64

	mu      sync.Mutex
	conn    Conn
	sinks   []Sink
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool

	dispatches sync.WaitGroup
}

// New builds a stopped monitor. Call Start to begin consuming. metrics
// and health may be nil.
func New(dialer Dialer, ledger Ledger, runner scheduler.Runner, cfg Config, metrics *observability.Metrics, health *observability.HealthChecker) *Monitor {
	m := &Monitor{
		dialer:  dialer,
		ledger:  ledger,
		runner:  runner,
		cfg:     cfg.withDefaults(),
		log:     observability.NewLogger("monitor"),
		metrics: metrics,
		health:  health,
	}
	m.seen = newRecentSet(m.cfg.DedupCapacity)
	m.setState(StateDisconnected)
	return m
}

// AddSink registers a notification sink. Sinks added after Start still
// receive subsequent events.
func (m *Monitor) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Start launches the subscription loop. Further calls are no-ops, as is
// a call on a monitor that was already shut down.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(runCtx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	backoff := m.cfg.InitialBackoff

	for ctx.Err() == nil {
		m.setState(StateConnecting)
		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			m.noteFailure(err)
			m.log.Warn().Err(err).Dur("retry_in", backoff).Msg("subscription connect failed")
			if !m.sleep(ctx, backoff) {
				break
			}
			backoff = m.nextBackoff(backoff)
			continue
		}

		m.setConn(conn)
		m.setState(StateConnected)
		m.failures.Store(0)
		m.connectedAt.Store(time.Now().UnixNano())
		backoff = m.cfg.InitialBackoff
		if m.metrics != nil {
			m.metrics.MonitorConnects.Inc()
		}
		m.log.Info().Msg("subscription connected")

		readErr := m.readLoop(ctx, conn)
		m.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			break
		}
		m.noteFailure(readErr)
		if m.metrics != nil {
			m.metrics.MonitorDisconnects.Inc()
		}
		m.log.Warn().Err(readErr).Dur("retry_in", backoff).Msg("subscription channel lost")
		if !m.sleep(ctx, backoff) {
			break
		}
		backoff = m.nextBackoff(backoff)
	}

	m.setState(StateStopped)
}

func (m *Monitor) readLoop(ctx context.Context, conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.MonitorFrames.Inc()
		}
		m.handleFrame(ctx, data)
	}
}

// handleFrame parses one frame and, when it carries a fresh settled
// payment for a known account, dispatches it. Malformed or irrelevant
// frames are dropped so a noisy backend can never kill the channel.
func (m *Monitor) handleFrame(ctx context.Context, data []byte) {
	var frame paymentFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		m.log.Debug().Err(err).Msg("unparseable frame dropped")
		return
	}
	if frame.Payment == nil {
		return
	}
	p := frame.Payment
	if p.Pending {
		return
	}

	key := p.CheckingID
	if key == "" {
		key = p.PaymentHash
	}
	if key == "" || p.WalletID == "" {
		m.log.Debug().Msg("payment frame missing identifiers dropped")
		return
	}

	if m.seen.Contains(key) {
		if m.metrics != nil {
			m.metrics.MonitorDeduped.Inc()
		}
		m.log.Debug().Str("checking_id", key).Msg("duplicate payment dropped")
		return
	}

	ownerID, err := m.ledger.ResolveOwnerByBackendAccountID(ctx, p.WalletID)
	if err != nil {
		// Unknown accounts stay out of the dedup set. If the account
		// is registered later, a redelivery still gets through.
		if m.metrics != nil {
			m.metrics.MonitorUnknown.Inc()
		}
		m.log.Warn().Err(err).
			Str("backend_account_id", p.WalletID).
			Str("checking_id", key).
			Msg("payment for unknown account dropped")
		return
	}

	m.seen.Add(key)

	ev := wallet.PaymentEvent{
		BackendAccountID: p.WalletID,
		PaymentHash:      p.PaymentHash,
		AmountMsat:       p.AmountMsat,
		CheckingID:       key,
		ObservedAt:       time.Now(),
	}
	note := Notification{
		OwnerID:          ownerID,
		BackendAccountID: p.WalletID,
		PaymentHash:      p.PaymentHash,
		AmountMsat:       p.AmountMsat,
		Memo:             p.Memo,
	}

	m.dispatches.Add(1)
	m.runner.RunFor(ownerID, func() {
		defer m.dispatches.Done()
		m.dispatch(ev, note)
	})
}

func (m *Monitor) dispatch(ev wallet.PaymentEvent, note Notification) {
	// Detached from the run context so an in-flight event still lands
	// during graceful shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DispatchTimeout)
	defer cancel()

	if err := m.ledger.ApplyPaymentEvent(ctx, ev); err != nil {
		m.log.Warn().Err(err).
			Str("owner_id", note.OwnerID).
			Str("payment_hash", ev.PaymentHash).
			Msg("payment event apply failed")
	}

	m.mu.Lock()
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.Unlock()

	for _, s := range sinks {
		if err := s.Notify(ctx, note); err != nil {
			m.log.Warn().Err(err).
				Str("owner_id", note.OwnerID).
				Str("payment_hash", note.PaymentHash).
				Msg("sink notify failed")
		}
	}

	if m.metrics != nil {
		m.metrics.MonitorDispatched.Inc()
	}
	m.log.Info().
		Str("owner_id", note.OwnerID).
		Int64("amount_msat", note.AmountMsat).
		Str("payment_hash", note.PaymentHash).
		Msg("payment settled")
}

// Shutdown stops the subscription loop and waits, up to ctx, for
// in-flight dispatches to finish. After it returns no further dispatch
// runs, and a later Start is a no-op. Idempotent.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel := m.cancel
	conn := m.conn
	done := m.done
	m.mu.Unlock()

	if cancel == nil {
		// Never started.
		m.setState(StateStopped)
		return nil
	}
	cancel()
	if conn != nil {
		// Unblocks a read stuck on the socket.
		conn.Close()
	}

	finished := make(chan struct{})
	go func() {
		<-done
		m.dispatches.Wait()
		close(finished)
	}()

	var err error
	select {
	case <-finished:
	case <-ctx.Done():
		err = ctx.Err()
	}
	m.setState(StateStopped)
	return err
}

// Health reports the channel state for readiness endpoints.
func (m *Monitor) Health() Health {
	h := Health{
		State:               State(m.state.Load()).String(),
		ConsecutiveFailures: m.failures.Load(),
	}
	if v, ok := m.lastErr.Load().(string); ok {
		h.LastError = v
	}
	if ns := m.connectedAt.Load(); ns > 0 {
		h.LastConnectedAt = time.Unix(0, ns)
	}
	return h
}

// Handler serves the health snapshot as JSON.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Health())
	})
}

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
	if m.metrics != nil {
		m.metrics.MonitorState.Set(float64(s))
	}
	if m.health != nil {
		m.health.SetChannelState(s.String())
	}
}

func (m *Monitor) setConn(c Conn) {
	m.mu.Lock()
	m.conn = c
	m.mu.Unlock()
}

func (m *Monitor) noteFailure(err error) {
	m.failures.Add(1)
	m.setState(StateDegraded)
	if err != nil && !errors.Is(err, context.Canceled) {
		m.lastErr.Store(err.Error())
	}
}

func (m *Monitor) nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > m.cfg.MaxBackoff {
		next = m.cfg.MaxBackoff
	}
	return next
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/testgpt852-arch/korea-stock-bot/internal/logging"
	"github.com/testgpt852-arch/korea-stock-bot/internal/market"
)

// ErrNotConnected is returned by mutation calls before Connect succeeded.
var ErrNotConnected = errors.New("stream: not connected")

const (
	trTypeSubscribe   = "1"
	trTypeUnsubscribe = "2"
	trIDExecution     = "H0STCNT0"
	trIDPingPong      = "PINGPONG"
)

// Conn is one live websocket session.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer establishes websocket sessions. The manager redials through it
// after a broken connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// TickHandler consumes parsed trade events. It is called from the read
// goroutine and must not block.
type TickHandler func(market.Tick)

// Options configure the subscription manager.
type Options struct {
	URL              string
	ApprovalKey      string
	MaxSubscriptions int
	ReconnectDelay   time.Duration
	AckTimeout       time.Duration
}

// Manager owns the realtime subscription lifecycle. The protocol rules it
// enforces: one session at a time, a symbol counts against the quota only
// after the server acknowledges it, every live symbol is unsubscribed
// before the session closes, and a dropped session is redialed forever at
// a fixed delay with the live set replayed.
type Manager struct {
	opts    Options
	dialer  Dialer
	handler TickHandler
	logger  zerolog.Logger

	mu         sync.Mutex
	conn       Conn
	connected  bool
	connecting bool
	closing    bool
	live       map[string]struct{}
	pending    map[string]time.Time
}

// NewManager constructs a Manager. handler may be nil when ticks are only
// kept for their side effect on the connection.
func NewManager(opts Options, dialer Dialer, handler TickHandler, logger zerolog.Logger) *Manager {
	if opts.MaxSubscriptions <= 0 {
		opts.MaxSubscriptions = 40
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	return &Manager{
		opts:    opts,
		dialer:  dialer,
		handler: handler,
		logger:  logging.Component(logger, "stream"),
		live:    make(map[string]struct{}),
		pending: make(map[string]time.Time),
	}
}

// Connect dials the endpoint and starts the read loop. Calling it on an
// already connected manager, or while another caller's dial is in flight,
// is a no-op: the session is dialed exactly once.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected || m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, m.opts.URL)

	m.mu.Lock()
	m.connecting = false
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.conn = conn
	m.connected = true
	m.closing = false
	m.mu.Unlock()

	m.logger.Info().Str("url", m.opts.URL).Msg("stream connected")
	go m.readLoop(ctx, conn)
	return nil
}

// SetWatchlist reconciles the subscription set against the desired
// symbols. It is the only way subscriptions change: symbols no longer
// wanted are unsubscribed, new ones are subscribed up to the quota, and
// anything already live or awaiting an ack is left alone.
func (m *Manager) SetWatchlist(symbols []string) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn := m.conn

	m.expirePendingLocked(time.Now())

	desired := make(map[string]struct{}, len(symbols))
	order := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		if _, dup := desired[s]; dup {
			continue
		}
		desired[s] = struct{}{}
		order = append(order, s)
	}

	var toUnsub []string
	for s := range m.live {
		if _, keep := desired[s]; !keep {
			toUnsub = append(toUnsub, s)
		}
	}
	for s := range m.pending {
		if _, keep := desired[s]; !keep {
			delete(m.pending, s)
		}
	}

	now := time.Now()
	quota := len(m.live) - len(toUnsub) + len(m.pending)
	var toSub []string
	for _, s := range order {
		if _, ok := m.live[s]; ok {
			continue
		}
		if _, ok := m.pending[s]; ok {
			continue
		}
		if quota >= m.opts.MaxSubscriptions {
			m.logger.Warn().Int("max", m.opts.MaxSubscriptions).Str("symbol", s).
				Msg("subscription quota full, symbol dropped")
			continue
		}
		m.pending[s] = now
		quota++
		toSub = append(toSub, s)
	}
	m.mu.Unlock()

	// A symbol leaves the live set only after the unsubscribe write goes
	// out: the broker counts registrations per approval key, and forgetting
	// one locally while it is still registered upstream leaks quota.
	sort.Strings(toUnsub)
	for _, s := range toUnsub {
		if err := m.writeRequest(conn, trTypeUnsubscribe, s); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.live, s)
		m.mu.Unlock()
	}
	for _, s := range toSub {
		if err := m.writeRequest(conn, trTypeSubscribe, s); err != nil {
			m.mu.Lock()
			delete(m.pending, s)
			m.mu.Unlock()
			return err
		}
	}
	return nil
}

// Disconnect unsubscribes every live symbol, then closes the session.
// The unsubscribe-first order matters: the broker counts registrations
// per approval key and a plain close leaks them until the key expires.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	conn := m.conn
	live := make([]string, 0, len(m.live))
	for s := range m.live {
		live = append(live, s)
	}
	m.mu.Unlock()

	sort.Strings(live)
	for _, s := range live {
		if err := m.writeRequest(conn, trTypeUnsubscribe, s); err != nil {
			m.logger.Warn().Err(err).Str("symbol", s).Msg("unsubscribe on close failed")
			break
		}
	}
	err := conn.Close()

	m.mu.Lock()
	m.connected = false
	m.conn = nil
	m.live = make(map[string]struct{})
	m.pending = make(map[string]time.Time)
	m.mu.Unlock()

	m.logger.Info().Msg("stream disconnected")
	return err
}

// LiveCount reports acknowledged subscriptions.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// LiveSymbols returns the acknowledged subscription set, sorted.
func (m *Manager) LiveSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.live))
	for s := range m.live {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			closing := m.closing
			m.mu.Unlock()
			if closing || ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Msg("stream read failed, reconnecting")
			m.reconnect(ctx)
			return
		}
		m.handleMessage(conn, msg)
	}
}

// reconnect redials forever at the configured delay, then replays the
// subscription set. Every previously live symbol goes back to pending:
// the new session owes us a fresh ack for each.
func (m *Manager) reconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.ReconnectDelay):
		}

		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		conn, err := m.dialer.Dial(ctx, m.opts.URL)
		if err != nil {
			m.logger.Warn().Err(err).Dur("retry_in", m.opts.ReconnectDelay).Msg("redial failed")
			continue
		}

		now := time.Now()
		m.mu.Lock()
		m.conn = conn
		for s := range m.live {
			m.pending[s] = now
		}
		m.live = make(map[string]struct{})
		resub := make([]string, 0, len(m.pending))
		for s := range m.pending {
			resub = append(resub, s)
		}
		m.mu.Unlock()

		sort.Strings(resub)
		for _, s := range resub {
			if err := m.writeRequest(conn, trTypeSubscribe, s); err != nil {
				m.logger.Warn().Err(err).Str("symbol", s).Msg("resubscribe failed")
			}
		}

		m.logger.Info().Int("resubscribed", len(resub)).Msg("stream reconnected")
		go m.readLoop(ctx, conn)
		return
	}
}

func (m *Manager) expirePendingLocked(now time.Time) {
	for s, since := range m.pending {
		if now.Sub(since) >= m.opts.AckTimeout {
			m.logger.Warn().Str("symbol", s).Msg("subscribe ack timed out")
			delete(m.pending, s)
		}
	}
}

type wsRequest struct {
	Header wsRequestHeader `json:"header"`
	Body   wsRequestBody   `json:"body"`
}

type wsRequestHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

type wsRequestBody struct {
	Input wsRequestInput `json:"input"`
}

type wsRequestInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

func (m *Manager) writeRequest(conn Conn, trType, symbol string) error {
	req := wsRequest{
		Header: wsRequestHeader{
			ApprovalKey: m.opts.ApprovalKey,
			CustType:    "P",
			TrType:      trType,
			ContentType: "utf-8",
		},
		Body: wsRequestBody{Input: wsRequestInput{TrID: trIDExecution, TrKey: symbol}},
	}
	return conn.WriteJSON(req)
}

type wsControl struct {
	Header struct {
		TrID  string `json:"tr_id"`
		TrKey string `json:"tr_key"`
	} `json:"header"`
	Body struct {
		RtCd string `json:"rt_cd"`
		Msg1 string `json:"msg1"`
	} `json:"body"`
}

// handleMessage routes one frame. Data frames start with "0" or "1" and
// carry caret-delimited fields; everything else is a JSON control frame.
func (m *Manager) handleMessage(conn Conn, msg []byte) {
	if len(msg) > 0 && (msg[0] == '0' || msg[0] == '1') {
		m.handleData(msg)
		return
	}

	var ctrl wsControl
	if err := json.Unmarshal(msg, &ctrl); err != nil {
		m.logger.Debug().Err(err).Msg("unparseable control frame")
		return
	}

	if ctrl.Header.TrID == trIDPingPong {
		if err := conn.WriteJSON(json.RawMessage(msg)); err != nil {
			m.logger.Warn().Err(err).Msg("pong failed")
		}
		return
	}

	if ctrl.Header.TrKey == "" {
		return
	}
	if ctrl.Body.RtCd == "0" || strings.Contains(ctrl.Body.Msg1, "SUCCESS") {
		m.mu.Lock()
		if _, ok := m.pending[ctrl.Header.TrKey]; ok {
			delete(m.pending, ctrl.Header.TrKey)
			m.live[ctrl.Header.TrKey] = struct{}{}
		}
		m.mu.Unlock()
		m.logger.Debug().Str("symbol", ctrl.Header.TrKey).Msg("subscription acknowledged")
		return
	}
	m.logger.Warn().Str("symbol", ctrl.Header.TrKey).Str("msg", ctrl.Body.Msg1).
		Msg("subscription rejected")
	m.mu.Lock()
	delete(m.pending, ctrl.Header.TrKey)
	m.mu.Unlock()
}

func (m *Manager) handleData(msg []byte) {
	tick, ok := parseTick(msg)
	if !ok {
		return
	}
	if m.handler != nil {
		m.handler(tick)
	}
}

// parseTick decodes an execution frame. Layout is
// "0|H0STCNT0|001|<payload>" with caret-separated payload fields:
// symbol, execution time, price, sign, change, change rate, and the
// session's cumulative volume at offset 13.
func parseTick(msg []byte) (market.Tick, bool) {
	parts := strings.SplitN(string(msg), "|", 4)
	if len(parts) < 4 || parts[1] != trIDExecution {
		return market.Tick{}, false
	}
	fields := strings.Split(parts[3], "^")
	if len(fields) < 14 {
		return market.Tick{}, false
	}

	price, err := decimal.NewFromString(fields[2])
	if err != nil {
		return market.Tick{}, false
	}
	changePct, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return market.Tick{}, false
	}
	volume, err := strconv.ParseInt(fields[13], 10, 64)
	if err != nil {
		return market.Tick{}, false
	}

	return market.Tick{
		Symbol:           fields[0],
		Price:            price,
		ChangePct:        changePct,
		CumulativeVolume: volume,
		At:               time.Now(),
	}, true
}

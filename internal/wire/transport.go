package wire

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pioner22/client-web-sub000/internal/bus"
	"go.uber.org/zap"
)

var (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = int64(4 << 20)
)

// Config tunes the transport.
type Config struct {
	URL        string
	BaseDelay  time.Duration // first reconnect delay, default 1s
	MaxDelay   time.Duration // reconnect delay cap, default 30s
	EgressSize int           // outbound buffer, default 256
}

func (c *Config) defaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.EgressSize <= 0 {
		c.EgressSize = 256
	}
}

// Handler receives every transport event synchronously, in order, on the
// transport's goroutine. Handlers must not block.
type Handler func(bus.Event)

// Transport is a reconnecting websocket client speaking JSON frames.
// Connection changes and parsed inbound frames go to the registered
// handlers first and are then published on the bus for observers.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	bus    *bus.Bus
	logger *zap.Logger

	mu         sync.Mutex
	egress     chan []byte
	generation uint64
	self       string
	handlers   []Handler

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a transport. It does not dial until Start.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Transport {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		bus:    b,
		logger: logger,
	}
}

// RegisterHandler adds a handler. Call before Start.
func (t *Transport) RegisterHandler(h Handler) {
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
}

// SetSelf sets the authenticated user id used to orient direct messages.
func (t *Transport) SetSelf(userID string) {
	t.mu.Lock()
	t.self = userID
	t.mu.Unlock()
}

// Connected reports whether a connection is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.egress != nil
}

// Generation returns the number of connections opened so far.
func (t *Transport) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// Send marshals payload and queues it on the current connection.
// It returns false when disconnected or when the outbound buffer is full.
func (t *Transport) Send(payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Error("marshal outbound frame", zap.Error(err))
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.egress == nil {
		return false
	}
	select {
	case t.egress <- data:
		return true
	default:
		t.logger.Warn("egress buffer full, frame rejected")
		return false
	}
}

// Start runs the connect/reconnect loop until Stop or ctx is cancelled.
func (t *Transport) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx)
}

// Stop closes the connection and waits for the loop to exit.
func (t *Transport) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

func (t *Transport) run(ctx context.Context) {
	defer close(t.done)
	recon := &reconnector{base: t.cfg.BaseDelay, max: t.cfg.MaxDelay}

	for {
		t.dispatch(bus.Event{Kind: bus.ConnConnecting})
		conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
		if err == nil {
			recon.markConnected()
			err = t.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}

		delay := recon.nextDelay()
		t.logger.Warn("connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// serve owns one connection until it fails.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	egress := make(chan []byte, t.cfg.EgressSize)
	t.mu.Lock()
	t.egress = egress
	t.generation++
	gen := t.generation
	t.mu.Unlock()

	t.logger.Info("connected", zap.String("url", t.cfg.URL), zap.Uint64("generation", gen))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.writeLoop(connCtx, conn, egress)
	}()

	t.dispatch(bus.Event{Kind: bus.ConnConnected, Payload: Connected{Generation: gen}})

	// Unblock the reader when the context ends.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()
	err := t.readLoop(conn)

	t.mu.Lock()
	t.egress = nil
	t.mu.Unlock()
	cancel()
	wg.Wait()

	d := Disconnected{Generation: gen}
	if err != nil {
		d.Err = err.Error()
	}
	t.dispatch(bus.Event{Kind: bus.ConnDisconnected, Payload: d})
	return err
}

func (t *Transport) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return errors.New("read timeout")
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		t.mu.Lock()
		self := t.self
		t.mu.Unlock()

		evt, err := Parse(data, self)
		if err != nil {
			if errors.Is(err, ErrUnknownFrame) {
				t.logger.Debug("ignoring frame", zap.Error(err))
			} else {
				t.logger.Warn("malformed frame", zap.Error(err))
			}
			continue
		}
		if a, ok := evt.Payload.(AuthOK); ok && a.UserID != "" {
			t.SetSelf(a.UserID)
		}
		t.dispatch(evt)
	}
}

func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn, egress <-chan []byte) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-egress:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Warn("write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (t *Transport) dispatch(evt bus.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	t.mu.Lock()
	handlers := t.handlers
	t.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
	t.bus.Publish(evt)
}

type reconnector struct {
	base, max   time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay doubles from base up to max with up to 50% jitter. A connection
// that stayed up for a minute resets the sequence.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := rand.Float64() * float64(r.base) * 0.5
	delay := math.Min(float64(r.base)*math.Pow(2, float64(r.attempt))+jitter, float64(r.max))
	r.attempt++
	return time.Duration(delay)
}

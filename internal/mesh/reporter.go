package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var errNotRegistered = errors.New("mesh: registration refused")

// Options configures a Reporter.
type Options struct {
	URL          string
	ID           string
	Address      string
	Version      string
	APIKey       string
	Interval     time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
}

// DefaultOptions returns the heartbeat and reconnect timings used by shard.
func DefaultOptions() Options {
	return Options{
		Interval:     30 * time.Second,
		MinBackoff:   time.Second,
		MaxBackoff:   time.Minute,
		WriteTimeout: 10 * time.Second,
	}
}

// Reporter keeps a registration with the coordinator alive over a websocket
// and pushes telemetry on each heartbeat. It reconnects until its context
// is cancelled.
type Reporter struct {
	opts      Options
	collector *Collector
	dialer    *websocket.Dialer
	logger    zerolog.Logger

	mu        sync.Mutex
	connected bool
	lastAck   time.Time
}

// NewReporter returns a Reporter sampling telemetry from collector.
func NewReporter(opts Options, collector *Collector) *Reporter {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = def.MinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	return &Reporter{
		opts:      opts,
		collector: collector,
		dialer:    websocket.DefaultDialer,
		logger:    zerolog.Nop(),
	}
}

// SetLogger replaces the reporter's logger.
func (r *Reporter) SetLogger(l zerolog.Logger) { r.logger = l }

// Connected reports whether the reporter holds a registered connection.
func (r *Reporter) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// LastAck returns when the coordinator last acknowledged a message.
func (r *Reporter) LastAck() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAck
}

// Run blocks until ctx is cancelled, reconnecting with exponential backoff
// whenever the connection drops.
func (r *Reporter) Run(ctx context.Context) {
	attempt := 0
	for {
		registered, err := r.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if registered {
			attempt = 0
		}
		wait := r.backoff(attempt)
		attempt++
		r.logger.Warn().Err(err).Dur("retry_in", wait).Msg("coordinator connection lost")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session runs one connection. It reports whether registration succeeded.
func (r *Reporter) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if r.opts.APIKey != "" {
		header.Set("X-Server-Id", r.opts.ID)
		header.Set("X-Api-Key", r.opts.APIKey)
	}
	conn, _, err := r.dialer.DialContext(ctx, r.opts.URL, header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", r.opts.URL, err)
	}
	defer conn.Close()

	reg := RegisterPayload{
		ID:        r.opts.ID,
		Address:   r.opts.Address,
		Version:   r.opts.Version,
		Telemetry: r.collector.Collect(),
	}
	if err := r.send(conn, TypeRegister, reg); err != nil {
		return false, err
	}
	var resp WSMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return false, fmt.Errorf("read register response: %w", err)
	}
	if resp.Type != TypeRegistered {
		return false, fmt.Errorf("%w: %s", errNotRegistered, describe(resp))
	}
	r.setConnected(true)
	defer r.setConnected(false)
	r.logger.Info().Str("coordinator", r.opts.URL).Str("id", r.opts.ID).Msg("registered with coordinator")

	// Reads run on their own goroutine so a dead peer ends the session
	// without waiting for the next heartbeat.
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg WSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			switch msg.Type {
			case TypeHeartbeatAck:
				r.mu.Lock()
				r.lastAck = time.Now()
				r.mu.Unlock()
			case TypeError:
				r.logger.Warn().Str("error", describe(msg)).Msg("coordinator reported error")
			}
		}
	}()

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = r.send(conn, TypeDisconnect, map[string]string{"id": r.opts.ID})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return true, ctx.Err()
		case err := <-readErr:
			return true, fmt.Errorf("read: %w", err)
		case <-ticker.C:
			hb := HeartbeatPayload{ID: r.opts.ID, Telemetry: r.collector.Collect()}
			if err := r.send(conn, TypeHeartbeat, hb); err != nil {
				return true, err
			}
		}
	}
}

func (r *Reporter) send(conn *websocket.Conn, typ string, payload interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
	if err := conn.WriteJSON(WSResponse{Type: typ, Payload: payload}); err != nil {
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

func (r *Reporter) setConnected(v bool) {
	r.mu.Lock()
	r.connected = v
	r.mu.Unlock()
}

func (r *Reporter) backoff(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := r.opts.MinBackoff << uint(attempt)
	if d > r.opts.MaxBackoff || d <= 0 {
		d = r.opts.MaxBackoff
	}
	// up to 20% jitter
	return d - time.Duration(rand.Int63n(int64(d)/5+1))
}

func describe(msg WSMessage) string {
	var p ErrorPayload
	if err := json.Unmarshal(msg.Payload, &p); err == nil && p.Error != "" {
		return p.Error
	}
	return msg.Type
}

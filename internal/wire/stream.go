package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hazardguard/predictbot/internal/market"
)

// subscribeChunkSize caps how many token ids are sent per subscribe frame
// on (re)connect.
const subscribeChunkSize = 100

// StreamConfig configures backoff and heartbeat behaviour for StreamClient.
type StreamConfig struct {
	URL                string
	BackoffBase        time.Duration // default 1s
	BackoffMultiplier  float64       // default 2
	BackoffCap         time.Duration // default 60s
	HeartbeatTimeout   time.Duration // default 30s
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	return c
}

// StreamClient is the supervised streaming half of the wire adapter. It
// maintains a persistent subscription set across reconnects, reconnects
// with exponential backoff, and detects a stalled connection via a
// heartbeat timeout — closing the socket *before* sleeping, so a stalled
// read never leaks the old file descriptor while the backoff sleep runs.
type StreamClient struct {
	cfg StreamConfig

	mu           sync.Mutex
	conn         *websocket.Conn
	subscribed   map[string]bool // token id -> subscribed
	connected    bool
	lastFrameAt  time.Time

	onPriceUpdate func(market.PriceUpdate)
}

// NewStreamClient builds a StreamClient bound to cfg.
func NewStreamClient(cfg StreamConfig) *StreamClient {
	cfg = cfg.withDefaults()
	return &StreamClient{
		cfg:        cfg,
		subscribed: make(map[string]bool),
	}
}

// OnPriceUpdate registers the callback invoked for every accepted frame.
func (s *StreamClient) OnPriceUpdate(cb func(market.PriceUpdate)) {
	s.onPriceUpdate = cb
}

// Subscribe adds token ids to the persistent subscription set and, if
// currently connected, sends them immediately in chunks of
// subscribeChunkSize.
func (s *StreamClient) Subscribe(tokenIDs ...string) {
	s.mu.Lock()
	var fresh []string
	for _, id := range tokenIDs {
		if !s.subscribed[id] {
			s.subscribed[id] = true
			fresh = append(fresh, id)
		}
	}
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()

	if connected && conn != nil {
		for _, chunk := range chunk(fresh, subscribeChunkSize) {
			if err := sendSubscribe(conn, chunk); err != nil {
				log.Error().Err(err).Msg("subscribe failed")
			}
		}
	}
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}

func sendSubscribe(conn *websocket.Conn, tokenIDs []string) error {
	msg := map[string]any{"type": "market", "assets_ids": tokenIDs}
	b, _ := json.Marshal(msg)
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Run connects and blocks until ctx is cancelled or an unrecoverable error
// occurs, reconnecting with exponential backoff in between. Cancellation is
// never swallowed: on ctx.Done the socket is closed and Run returns ctx.Err().
func (s *StreamClient) Run(ctx context.Context) error {
	backoff := s.cfg.BackoffBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return nil // clean shutdown requested
		}

		log.Warn().Err(err).Dur("backoff", backoff).Msg("stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * s.cfg.BackoffMultiplier)
		if backoff > s.cfg.BackoffCap {
			backoff = s.cfg.BackoffCap
		}
	}
}

// runOnce connects, resubscribes the persistent set, and reads until the
// connection drops, the heartbeat times out, or ctx is cancelled. On any
// exit path the socket is closed before control returns to Run, so the OS
// fd is released before the backoff sleep.
func (s *StreamClient) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.lastFrameAt = time.Now()
	ids := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.connected = false
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	for _, c := range chunk(ids, subscribeChunkSize) {
		if err := sendSubscribe(conn, c); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
	}

	msgCh := make(chan []byte, 256)
	errCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- data:
			default:
				// backpressure: when the buffer is full, the frame just read
				// is dropped rather than blocking the reader goroutine;
				// dropped frames are not counted anywhere.
			}
		}
	}()

	heartbeat := time.NewTicker(s.cfg.HeartbeatTimeout / 3)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return fmt.Errorf("read: %w", err)
		case data := <-msgCh:
			s.mu.Lock()
			s.lastFrameAt = time.Now()
			s.mu.Unlock()
			s.handleFrame(data)
		case <-heartbeat.C:
			s.mu.Lock()
			idle := time.Since(s.lastFrameAt)
			s.mu.Unlock()
			if idle > s.cfg.HeartbeatTimeout {
				return fmt.Errorf("heartbeat timeout: no frame for %s", idle)
			}
		}
	}
}

type wsPriceChange struct {
	PriceChanges []struct {
		AssetID string `json:"asset_id"`
		Price   string `json:"price"`
		BestBid string `json:"best_bid"`
	} `json:"price_changes"`
	EventType string `json:"event_type"`
}

// handleFrame recognizes price-change frames, snapshot arrays, and
// empty/ack frames as non-fatal; anything else is silently ignored (the
// wire dialect is opaque beyond these shapes).
func (s *StreamClient) handleFrame(data []byte) {
	if len(data) == 0 {
		return
	}

	var pc wsPriceChange
	if err := json.Unmarshal(data, &pc); err == nil && pc.EventType == "price_change" {
		for _, change := range pc.PriceChanges {
			price, err := decimal.NewFromString(change.Price)
			if err != nil {
				continue
			}
			if s.onPriceUpdate != nil {
				s.onPriceUpdate(market.PriceUpdate{
					TokenID:    change.AssetID,
					Price:      price,
					ObservedAt: time.Now().UTC(),
				})
			}
		}
		return
	}

	// Snapshot / ack / empty-array frames: recognized, non-fatal, no-op.
}

// IsConnected reports current connection state.
func (s *StreamClient) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastMessageAt reports when the last frame was received, for staleness
// checks in the health checker.
func (s *StreamClient) LastMessageAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrameAt
}

// ActiveSubscriptions reports the size of the persistent subscription set.
func (s *StreamClient) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribed)
}

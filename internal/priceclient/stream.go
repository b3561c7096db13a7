package priceclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perpskeeper/keeper/internal/pkg/logger"
)

// reconnect/ping constants mirror the teacher's MarketService websocket
// loop (internal/market/service.go): base/max backoff and a keep-alive
// ping period with a read-deadline zombie check.
const (
	streamReconnBaseDelay = 1 * time.Second
	streamReconnMaxDelay  = 30 * time.Second
	streamPingPeriod      = 15 * time.Second
)

// Stream keeps a live per-asset spot price fed by a websocket ticker feed,
// used by LiquidationKeeper's fetchAssetPrice (spec §4.3 step b) so a tick
// doesn't need its own blocking HTTP round trip for the price.
type Stream struct {
	url string

	mu     sync.RWMutex
	conn   *websocket.Conn
	prices map[string]float64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStream builds a Stream against a websocket ticker endpoint. Call
// Start to begin the connect/reconnect loop and Price to read the last
// known value for an asset.
func NewStream(url string) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		url:    url,
		prices: make(map[string]float64),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the connection loop in the background.
func (s *Stream) Start() {
	go s.runLoop()
}

// Stop tears down the stream and its connection.
func (s *Stream) Stop() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// Price returns the last observed price for asset and whether one has
// ever been received.
func (s *Stream) Price(asset string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.prices[asset]
	return v, ok
}

func (s *Stream) runLoop() {
	delay := streamReconnBaseDelay
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.connect(); err != nil {
			logger.Warn("priceclient: stream connect failed", "error", err, "retry_in", delay)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > streamReconnMaxDelay {
				delay = streamReconnMaxDelay
			}
			continue
		}
		delay = streamReconnBaseDelay
		s.readLoop()
	}
}

func (s *Stream) connect() error {
	conn, _, err := websocket.DefaultDialer.DialContext(s.ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	readTimeout := streamPingPeriod + 10*time.Second
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go func() {
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.mu.RLock()
				c := s.conn
				s.mu.RUnlock()
				if c == nil {
					return
				}
				if err := c.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

type tickMessage struct {
	Asset string  `json:"asset"`
	Price float64 `json:"price,string"`
}

func (s *Stream) readLoop() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}
	defer conn.Close()

	readTimeout := streamPingPeriod + 10*time.Second
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.Warn("priceclient: stream read error", "error", err)
			return
		}
		var tick tickMessage
		if err := json.Unmarshal(message, &tick); err != nil {
			continue
		}
		if tick.Asset == "" {
			continue
		}
		s.mu.Lock()
		s.prices[tick.Asset] = tick.Price
		s.mu.Unlock()
	}
}

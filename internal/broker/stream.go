package broker

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// OrderUpdate is a push notification from the broker that one of the
// account's orders changed state.
type OrderUpdate struct {
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
	Status  string `json:"status"`
}

// OrderStream watches the broker's order-update websocket. Updates are
// not applied directly to the ledger; they only nudge the engine into
// running an early reconciliation pass, so the REST live-order list
// stays the single authoritative input.
type OrderStream struct {
	url    string
	apiKey string

	mu         sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	closed     bool
	lastUpdate *OrderUpdate
	lastSeen   time.Time
	cancelFunc context.CancelFunc

	nudge chan OrderUpdate
}

func NewOrderStream(url, apiKey string) *OrderStream {
	return &OrderStream{
		url:    url,
		apiKey: apiKey,
		nudge:  make(chan OrderUpdate, 64),
	}
}

// Updates returns the channel of observed order updates. Slow readers
// lose updates rather than blocking the read loop.
func (s *OrderStream) Updates() <-chan OrderUpdate { return s.nudge }

func (s *OrderStream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// LastUpdate returns the most recent update and when it arrived.
func (s *OrderStream) LastUpdate() (*OrderUpdate, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate, s.lastSeen
}

func (s *OrderStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
	if s.conn != nil {
		s.conn.Close()
	}
	close(s.nudge)
	log.Printf("OrderStream | closed")
}

// Start connects and streams order updates, reconnecting with backoff
// until ctx is cancelled.
func (s *OrderStream) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancelFunc = cancel
	s.mu.Unlock()

	go func() {
		defer s.Close()
		retryDelay := time.Second
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if err := s.run(ctx); err != nil {
				log.Printf("OrderStream | connection error: %v, reconnecting in %v", err, retryDelay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			if retryDelay < time.Minute {
				retryDelay *= 2
				if retryDelay > time.Minute {
					retryDelay = time.Minute
				}
			}
		}
	}()
}

func (s *OrderStream) run(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.connected = false
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	auth := map[string]string{"action": "auth", "token": s.apiKey}
	if err := conn.WriteJSON(auth); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var upd OrderUpdate
		if err := json.Unmarshal(msg, &upd); err != nil || upd.OrderID == "" {
			continue // heartbeats and unknown frames
		}

		// Send while holding the lock so Close's close(s.nudge) cannot
		// race with an in-flight update.
		s.mu.Lock()
		s.lastUpdate = &upd
		s.lastSeen = time.Now()
		if !s.closed {
			select {
			case s.nudge <- upd:
			default:
				log.Printf("OrderStream | nudge channel full, dropping update for %s", upd.OrderID)
			}
		}
		s.mu.Unlock()
	}
}

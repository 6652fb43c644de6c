package transport

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/livequery/internal/livequery"
	"github.com/adred-codev/livequery/internal/monitoring"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound frames buffered per client before the slow-client policy
	// kicks in.
	sendBufferSize = 256

	// Consecutive full-buffer enqueue failures before disconnect.
	maxSendAttempts = 3
)

// subscriptionEntry remembers what one client operation maps to in the
// poller state, so stop messages and disconnects can unregister it.
type subscriptionEntry struct {
	plan         livequery.Plan
	variables    []byte
	subscriberID livequery.SubscriberID
}

// Client is one websocket connection and its live subscriptions.
type Client struct {
	id          int64
	conn        net.Conn
	send        chan []byte
	closeOnce   sync.Once
	connectedAt time.Time

	// sendMu guards send against close: a poller push worker can still
	// hold this client's callback for the remainder of a tick after the
	// transport unregistered it.
	sendMu     sync.RWMutex
	sendClosed bool

	sendAttempts     int32
	slowClientWarned int32

	mu   sync.Mutex
	subs map[string]subscriptionEntry
}

// closeSend closes the send channel exactly once, fencing off concurrent
// enqueues.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// enqueue queues a frame for the write pump without ever blocking the
// caller - it runs on a poller's push worker, and a stalled socket must
// not stall the tick. A client that keeps a full buffer across
// maxSendAttempts enqueues is disconnected rather than silently starved.
func (c *Client) enqueue(s *Server, data []byte) {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
		atomic.StoreInt32(&c.sendAttempts, 0)
	default:
		attempts := atomic.AddInt32(&c.sendAttempts, 1)
		if attempts == 1 && atomic.CompareAndSwapInt32(&c.slowClientWarned, 0, 1) {
			s.logger.Warn().
				Int64("client_id", c.id).
				Str("reason", "send_buffer_full").
				Msg("Client is slow")
		}
		if attempts >= maxSendAttempts {
			s.logger.Warn().
				Int64("client_id", c.id).
				Int32("consecutive_failures", attempts).
				Msg("Disconnecting slow client")
			monitoring.SlowClientsDisconnected.Inc()

			conn := c.conn
			if conn != nil {
				closeBody := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "client too slow to process messages")
				_ = ws.WriteFrame(conn, ws.NewCloseFrame(closeBody))
				conn.Close()
			}
		}
	}
}

// addSubscription records an operation id → poller state mapping.
// Returns false when the id is already in use on this connection.
func (c *Client) addSubscription(opID string, entry subscriptionEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[opID]; ok {
		return false
	}
	c.subs[opID] = entry
	return true
}

// takeSubscription removes and returns the entry for an operation id.
func (c *Client) takeSubscription(opID string) (subscriptionEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.subs[opID]
	if ok {
		delete(c.subs, opID)
	}
	return entry, ok
}

// takeAllSubscriptions removes and returns every entry. Used on
// disconnect.
func (c *Client) takeAllSubscriptions() []subscriptionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]subscriptionEntry, 0, len(c.subs))
	for _, e := range c.subs {
		entries = append(entries, e)
	}
	c.subs = make(map[string]subscriptionEntry)
	return entries
}

// writePump batches outbound frames and writes them to the connection.
// Draining the channel before the flush collapses bursts of cohort pushes
// into one syscall.
func (s *Server) writePump(c *Client) {
	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() {
			if c.conn != nil {
				c.conn.Close()
			}
		})
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			var batchMsgCount int64 = 1
			var batchByteCount = int64(len(message))

			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to write message")
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to write message")
					return
				}
				batchMsgCount++
				batchByteCount += int64(len(message))
			}

			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to flush writer")
				return
			}

			monitoring.MessagesSent.Add(float64(batchMsgCount))
			monitoring.BytesSent.Add(float64(batchByteCount))

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Failed to send ping")
				return
			}
		}
	}
}

// readPump reads client frames until the connection drops, dispatching
// text frames to the message handler.
func (s *Server) readPump(c *Client) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Int64("client_id", c.id).
				Interface("panic_value", r).
				Msg("Read pump panic recovered")
		}
	}()
	defer s.disconnectClient(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			s.handleClientMessage(c, msg)
		case ws.OpPong, ws.OpPing:
			// Deadline already extended above.
		case ws.OpClose:
			return
		}
	}
}

package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/livequery/internal/livequery"
)

// echoSource answers every cohort with its own variables, so tests can
// tell payloads apart.
type echoSource struct{}

func (echoSource) Execute(_ context.Context, _, _ string, batch []livequery.CohortBatchItem) ([]livequery.CohortResult, error) {
	results := make([]livequery.CohortResult, len(batch))
	for i, item := range batch {
		results[i] = livequery.CohortResult{CohortID: item.CohortID, Payload: item.Variables}
	}
	return results, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	state, err := livequery.NewState(livequery.StateConfig{
		Logger:      zerolog.Nop(),
		Source:      echoSource{},
		SpawnWorker: func(*livequery.Poller) livequery.PollerID { return livequery.NewPollerID() },
	})
	require.NoError(t, err)
	t.Cleanup(state.Close)
	return NewServer(Config{Addr: ":0", MaxConnections: 8}, state, zerolog.Nop())
}

func newTestClient() *Client {
	return &Client{
		id:          1,
		send:        make(chan []byte, sendBufferSize),
		connectedAt: time.Now(),
		subs:        make(map[string]subscriptionEntry),
	}
}

// drainFrame pops one queued frame and decodes its envelope.
func drainFrame(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case frame := <-c.send:
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(frame, &decoded))
		return decoded
	default:
		t.Fatal("expected a queued frame")
		return nil
	}
}

func startMessage(id, variables string) []byte {
	msg, _ := json.Marshal(map[string]any{
		"type": "start",
		"id":   id,
		"payload": map[string]any{
			"source":     "default",
			"role":       "user",
			"query":      "SELECT 1",
			"query_hash": "abc",
			"variables":  json.RawMessage(variables),
		},
	})
	return msg
}

func TestHandleStart_RegistersSubscription(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient()

	s.handleClientMessage(c, startMessage("op1", `{"id":1}`))

	ack := drainFrame(t, c)
	assert.Equal(t, "ack", ack["type"])
	assert.Equal(t, "op1", ack["id"])
	assert.NotEmpty(t, ack["poller_id"])
	assert.NotEmpty(t, ack["cohort_id"])
	assert.Equal(t, 1, s.state.PollerCount())
}

func TestHandleStart_DuplicateIDRejected(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient()

	s.handleClientMessage(c, startMessage("op1", `{"id":1}`))
	drainFrame(t, c)

	s.handleClientMessage(c, startMessage("op1", `{"id":2}`))
	errFrame := drainFrame(t, c)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "DUPLICATE_ID", errFrame["code"])
}

func TestHandleStart_MissingFieldsRejected(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient()

	msg, _ := json.Marshal(map[string]any{
		"type":    "start",
		"id":      "op1",
		"payload": map[string]any{"source": "default"},
	})
	s.handleClientMessage(c, msg)

	errFrame := drainFrame(t, c)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "INVALID_PAYLOAD", errFrame["code"])
	assert.Equal(t, 0, s.state.PollerCount())
}

func TestHandleStop_UnregistersSubscription(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient()

	s.handleClientMessage(c, startMessage("op1", `{"id":1}`))
	drainFrame(t, c)
	require.Equal(t, 1, s.state.PollerCount())

	stop, _ := json.Marshal(map[string]any{"type": "stop", "id": "op1"})
	s.handleClientMessage(c, stop)

	complete := drainFrame(t, c)
	assert.Equal(t, "complete", complete["type"])
	assert.Equal(t, 0, s.state.PollerCount(), "last subscriber gone, poller gone")
}

func TestHandleStop_UnknownID(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient()

	stop, _ := json.Marshal(map[string]any{"type": "stop", "id": "nope"})
	s.handleClientMessage(c, stop)

	errFrame := drainFrame(t, c)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "UNKNOWN_ID", errFrame["code"])
}

func TestHandleHeartbeat(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient()

	s.handleClientMessage(c, []byte(`{"type":"heartbeat"}`))
	pong := drainFrame(t, c)
	assert.Equal(t, "pong", pong["type"])
	assert.NotZero(t, pong["ts"])
}

func TestHandleInvalidJSON(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient()

	s.handleClientMessage(c, []byte(`{not json`))
	errFrame := drainFrame(t, c)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "INVALID_JSON", errFrame["code"])
}

func TestDisconnectCleansUpSubscriptions(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient()
	s.clients.Store(c, struct{}{})
	s.connectionsSem <- struct{}{}

	s.handleClientMessage(c, startMessage("op1", `{"id":1}`))
	s.handleClientMessage(c, startMessage("op2", `{"id":2}`))
	require.Equal(t, 1, s.state.PollerCount())

	s.disconnectClient(c)
	assert.Equal(t, 0, s.state.PollerCount(), "disconnect removes every subscription")
}

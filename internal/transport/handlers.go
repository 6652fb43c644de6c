package transport

import (
	"encoding/json"
	"time"

	"github.com/adred-codev/livequery/internal/livequery"
)

// Wire protocol. The upstream gateway has already parsed, validated and
// permission-resolved the subscription; what arrives here is the
// ready-to-execute plan plus the resolved variables.
//
//	client → server:
//	  {"type":"start","id":"1","payload":{"source":"default","role":"user",
//	   "query":"SELECT ...","query_hash":"...","variables":{...},
//	   "operation_name":"...","metadata":{...}}}
//	  {"type":"stop","id":"1"}
//	  {"type":"heartbeat"}
//
//	server → client:
//	  {"type":"data","id":"1","payload":{...},"execution_time_ms":1.2}
//	  {"type":"ack","id":"1","poller_id":"...","cohort_id":"..."}
//	  {"type":"complete","id":"1"}
//	  {"type":"error","id":"1","code":"...","message":"..."}
//	  {"type":"pong","ts":...}

type clientMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type startPayload struct {
	Source        string          `json:"source"`
	Role          string          `json:"role"`
	Query         string          `json:"query"`
	QueryHash     string          `json:"query_hash"`
	Variables     json.RawMessage `json:"variables"`
	OperationName string          `json:"operation_name,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

type dataMessage struct {
	Type            string          `json:"type"`
	ID              string          `json:"id"`
	Payload         json.RawMessage `json:"payload"`
	ExecutionTimeMs float64         `json:"execution_time_ms"`
}

// handleClientMessage dispatches one inbound text frame.
func (s *Server) handleClientMessage(c *Client, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().
			Int64("client_id", c.id).
			Err(err).
			Msg("Client sent invalid JSON")
		s.sendError(c, "", "INVALID_JSON", "message is not valid JSON")
		return
	}

	switch msg.Type {
	case "start":
		s.handleStart(c, msg)
	case "stop":
		s.handleStop(c, msg)
	case "heartbeat":
		pong, _ := json.Marshal(map[string]any{"type": "pong", "ts": time.Now().UnixMilli()})
		c.enqueue(s, pong)
	default:
		s.sendError(c, msg.ID, "UNKNOWN_TYPE", "unknown message type: "+msg.Type)
	}
}

// handleStart registers a subscription and acks with the ids the core
// assigned.
func (s *Server) handleStart(c *Client, msg clientMessage) {
	if msg.ID == "" {
		s.sendError(c, "", "MISSING_ID", "start requires an operation id")
		return
	}

	var p startPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		s.sendError(c, msg.ID, "INVALID_PAYLOAD", "malformed start payload")
		return
	}
	if p.Source == "" || p.Role == "" || p.Query == "" {
		s.sendError(c, msg.ID, "INVALID_PAYLOAD", "source, role and query are required")
		return
	}
	variables := p.Variables
	if len(variables) == 0 {
		variables = json.RawMessage(`{}`)
	}

	plan := livequery.Plan{
		Source:    p.Source,
		Role:      p.Role,
		Query:     p.Query,
		QueryHash: p.QueryHash,
	}

	opID := msg.ID
	sub := livequery.NewSubscriber(p.Metadata, opID, p.OperationName, func(resp livequery.Response) {
		frame, err := json.Marshal(dataMessage{
			Type:            "data",
			ID:              opID,
			Payload:         resp.Payload,
			ExecutionTimeMs: float64(resp.ExecutionTime) / float64(time.Millisecond),
		})
		if err != nil {
			s.logger.Error().Err(err).Int64("client_id", c.id).Msg("Failed to marshal data frame")
			return
		}
		c.enqueue(s, frame)
	})

	// Reserve the operation id before touching the poller state so a
	// duplicate start cannot register twice.
	if !c.addSubscription(opID, subscriptionEntry{plan: plan, variables: variables, subscriberID: sub.ID}) {
		s.sendError(c, opID, "DUPLICATE_ID", "operation id already in use")
		return
	}

	pollerID, cohortID, _ := s.state.AddSubscription(plan, variables, sub)

	ack, _ := json.Marshal(map[string]any{
		"type":      "ack",
		"id":        opID,
		"poller_id": pollerID.String(),
		"cohort_id": cohortID.String(),
	})
	c.enqueue(s, ack)
}

// handleStop unregisters one operation.
func (s *Server) handleStop(c *Client, msg clientMessage) {
	entry, ok := c.takeSubscription(msg.ID)
	if !ok {
		s.sendError(c, msg.ID, "UNKNOWN_ID", "no subscription with that id")
		return
	}
	s.state.RemoveSubscription(entry.plan, entry.variables, entry.subscriberID)

	ack, _ := json.Marshal(map[string]any{"type": "complete", "id": msg.ID})
	c.enqueue(s, ack)
}

func (s *Server) sendError(c *Client, id, code, message string) {
	frame, _ := json.Marshal(map[string]any{
		"type":    "error",
		"id":      id,
		"code":    code,
		"message": message,
	})
	c.enqueue(s, frame)
}

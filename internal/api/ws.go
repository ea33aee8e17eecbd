package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crawlmux/crawlmux/internal/session"
	"github.com/crawlmux/crawlmux/internal/store"
)

// Fault reasons returned to RPC callers.
const (
	FaultBadRequest    = "bad_request"
	FaultNotFound      = "not_found"
	FaultUnknownMethod = "unknown_method"
	FaultInternal      = "internal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The UI is served from arbitrary origins in deployments; job data is
	// not credential-scoped.
	CheckOrigin: func(*http.Request) bool { return true },
}

// rpcRequest is one client call on the websocket.
type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcFault struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Result any             `json:"result"`
	Fault  *rpcFault       `json:"fault,omitempty"`
}

// wsTransport serializes concurrent writers onto one websocket connection.
// Stream envelopes and RPC responses share the same write lock.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(_ context.Context, msg session.Envelope) error {
	return t.write(msg)
}

func (t *wsTransport) write(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

// handleWS upgrades the connection and speaks the RPC surface until the
// client disconnects. The read-loop exit path closes the session, which
// synchronously tears down every tail and bus listener it owns.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	transport := &wsTransport{conn: conn}
	sess := session.New(session.Config{
		Bus:         s.bus,
		JobStore:    s.jobStore,
		PageStore:   s.pageStore,
		Registry:    s.registry,
		Transport:   transport,
		PollBackoff: s.sessionPollBackoff,
		Logger:      s.logger,
	})
	defer sess.Close()
	if s.sessionMaxMessageSize > 0 {
		sess.SetMaxMessageSize(s.sessionMaxMessageSize)
	}

	for {
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
		resp := s.dispatch(r.Context(), sess, req)
		if err := transport.write(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session.Session, req rpcRequest) rpcResponse {
	switch req.Method {
	case "subscribe_to_jobs":
		return s.rpcSubscribeJobs(ctx, sess, req)
	case "subscribe_to_pages":
		return s.rpcSubscribePages(ctx, sess, req)
	case "cancel_subscription":
		return s.rpcCancelSubscription(sess, req)
	case "set_max_message_size":
		return s.rpcSetMaxMessageSize(sess, req)
	default:
		return fault(req.ID, FaultUnknownMethod, "unknown method "+req.Method)
	}
}

type subscribeJobsParams struct {
	Include     []string    `json:"include"`
	Exclude     []string    `json:"exclude"`
	UpdateDelay float64     `json:"update_delay"`
	LastJobID   store.DocID `json:"last_job_id"`
}

func (s *Server) rpcSubscribeJobs(ctx context.Context, sess *session.Session, req rpcRequest) rpcResponse {
	var params subscribeJobsParams
	if err := decodeParams(req.Params, &params); err != nil {
		return fault(req.ID, FaultBadRequest, err.Error())
	}
	delay := time.Duration(params.UpdateDelay * float64(time.Second))
	id, err := sess.SubscribeToJobs(ctx, params.Include, params.Exclude, delay, params.LastJobID)
	if err != nil {
		return fault(req.ID, FaultInternal, err.Error())
	}
	return result(req.ID, map[string]string{"subscription_id": id})
}

type subscribePagesParams struct {
	URLs []string `json:"urls"`
	// URLGroups maps a caller-chosen group key to URL patterns. Patterns
	// arrive either as a list or as an object keyed by pattern.
	URLGroups map[string]json.RawMessage `json:"url_groups"`
}

func (s *Server) rpcSubscribePages(ctx context.Context, sess *session.Session, req rpcRequest) rpcResponse {
	var params subscribePagesParams
	if err := decodeParams(req.Params, &params); err != nil {
		return fault(req.ID, FaultBadRequest, err.Error())
	}

	if len(params.URLGroups) > 0 {
		groups := make(map[string][]string, len(params.URLGroups))
		for key, raw := range params.URLGroups {
			patterns, err := decodePatterns(raw)
			if err != nil {
				return fault(req.ID, FaultBadRequest, "url_groups["+key+"]: "+err.Error())
			}
			groups[key] = patterns
		}
		ids, err := sess.SubscribeToPageGroups(ctx, groups)
		if err != nil {
			return fault(req.ID, FaultInternal, err.Error())
		}
		return result(req.ID, map[string]any{"subscription_ids": ids})
	}

	if len(params.URLs) == 0 {
		return fault(req.ID, FaultBadRequest, "urls or url_groups required")
	}
	id, err := sess.SubscribeToPages(ctx, params.URLs)
	if err != nil {
		return fault(req.ID, FaultInternal, err.Error())
	}
	return result(req.ID, map[string]string{"subscription_id": id})
}

func (s *Server) rpcCancelSubscription(sess *session.Session, req rpcRequest) rpcResponse {
	var params struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := decodeParams(req.Params, &params); err != nil || params.SubscriptionID == "" {
		return fault(req.ID, FaultBadRequest, "subscription_id required")
	}
	return result(req.ID, sess.CancelSubscription(params.SubscriptionID))
}

func (s *Server) rpcSetMaxMessageSize(sess *session.Session, req rpcRequest) rpcResponse {
	var params struct {
		MaxSizeBytes int `json:"max_size_bytes"`
	}
	if err := decodeParams(req.Params, &params); err != nil || params.MaxSizeBytes <= 0 {
		return fault(req.ID, FaultBadRequest, "max_size_bytes must be positive")
	}
	sess.SetMaxMessageSize(params.MaxSizeBytes)
	return result(req.ID, true)
}

// decodePatterns accepts both pattern encodings: a list of URL patterns, or
// an object whose keys are the patterns (values are per-pattern cursors that
// older clients send and the server no longer needs).
func decodePatterns(raw json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil, err
	}
	patterns := make([]string, 0, len(object))
	for pattern := range object {
		patterns = append(patterns, pattern)
	}
	return patterns, nil
}

func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}

func result(id json.RawMessage, v any) rpcResponse {
	return rpcResponse{ID: id, Result: v}
}

func fault(id json.RawMessage, reason, message string) rpcResponse {
	return rpcResponse{ID: id, Fault: &rpcFault{Reason: reason, Message: message}}
}

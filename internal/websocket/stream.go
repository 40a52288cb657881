package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"promptgate/internal/domain"
	"promptgate/internal/pipeline"
)

// chunkRequest is one inbound streamed fragment of a model response.
type chunkRequest struct {
	Tenant    string `json:"tenant"`
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	Chunk     string `json:"chunk"`
	Final     bool   `json:"final"`
}

// chunkResponse is the scan verdict for one chunk.
type chunkResponse struct {
	Action       string `json:"action"`
	MaskedChunk  string `json:"masked_chunk,omitempty"`
	Reason       string `json:"reason,omitempty"`
	ProcessingMs int64  `json:"processing_ms"`
}

// Handler upgrades a connection and scans each streamed response chunk
// through the Pipeline Orchestrator as it arrives, rather than buffering
// the full response before deciding (spec supplement: streaming response
// scanning). A Block verdict closes the connection instead of relaying
// any further chunks.
type Handler struct {
	orchestrator    *pipeline.Orchestrator
	defaultChannel  domain.Channel
	requestDeadline time.Duration
	maxMessageSize  int64
	authEnabled     bool
	apiKey          string
}

func New(orchestrator *pipeline.Orchestrator, defaultChannel domain.Channel, requestDeadline time.Duration) *Handler {
	return &Handler{
		orchestrator:    orchestrator,
		defaultChannel:  defaultChannel,
		requestDeadline: requestDeadline,
		maxMessageSize:  1 << 20, // 1MiB per chunk
	}
}

// SetAuth enables Bearer-token authentication on the upgrade request,
// matching the Boundary API's scheme.
func (h *Handler) SetAuth(enabled bool, apiKey string) {
	h.authEnabled = enabled
	h.apiKey = apiKey
}

func (h *Handler) checkAuth(r *http.Request) bool {
	if !h.authEnabled {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && token == h.apiKey
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkAuth(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="promptgate Boundary API"`)
		http.Error(w, "valid API key required", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	conn.SetReadLimit(h.maxMessageSize)

	ctx := r.Context()
	sessionID := ""

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Warn("websocket read ended", "session_id", sessionID, "error", err)
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var req chunkRequest
		if err := json.Unmarshal(data, &req); err != nil {
			h.writeVerdict(ctx, conn, chunkResponse{Action: "error", Reason: "malformed chunk message"})
			continue
		}
		if req.SessionID != "" {
			sessionID = req.SessionID
		} else if sessionID == "" {
			sessionID = uuid.New().String()
		}

		resp := h.scan(ctx, req, sessionID)
		if !h.writeVerdict(ctx, conn, resp) {
			return
		}
		if resp.Action == domain.ActionBlock.String() {
			conn.Close(websocket.StatusPolicyViolation, "response blocked")
			return
		}
		if req.Final {
			conn.Close(websocket.StatusNormalClosure, "stream complete")
			return
		}
	}
}

func (h *Handler) scan(ctx context.Context, req chunkRequest, sessionID string) chunkResponse {
	tenant := req.Tenant
	if tenant == "" {
		tenant = "default"
	}
	channel := domain.Channel(req.Channel)
	if channel == "" {
		channel = h.defaultChannel
	}

	result, err := h.orchestrator.Decide(ctx, pipeline.Request{
		Tenant:    tenant,
		SessionID: sessionID,
		Route:     "response",
		Text:      req.Chunk,
		Channel:   channel,
		Deadline:  time.Now().Add(h.requestDeadline),
	})
	if err != nil {
		return chunkResponse{Action: domain.ActionBlock.String(), Reason: "pipeline_error"}
	}

	resp := chunkResponse{
		Action:       result.Action.String(),
		ProcessingMs: result.ProcessingTime.Milliseconds(),
	}
	if len(result.Reasons) > 0 {
		resp.Reason = result.Reasons[0]
	}
	if result.Action != domain.ActionBlock {
		resp.MaskedChunk = result.MaskedPrompt
	}
	return resp
}

func (h *Handler) writeVerdict(ctx context.Context, conn *websocket.Conn, resp chunkResponse) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal chunk verdict", "error", err)
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Warn("websocket write failed", "error", err)
		return false
	}
	return true
}

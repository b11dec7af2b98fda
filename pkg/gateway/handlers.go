package gateway

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
)

// PublishRequest is the body of POST /v1/publish.
type PublishRequest struct {
	Topic   string `json:"topic"`
	DataB64 string `json:"data_base64"`
}

// ChannelInfo is one row of GET /v1/channels.
type ChannelInfo struct {
	Channel  string `json:"channel"`
	Pattern  bool   `json:"pattern"`
	Handlers int    `json:"handlers"`
	Ack      string `json:"ack"`
	Deferred bool   `json:"deferred,omitempty"`
}

// publishHandler handles POST /v1/publish {topic, data_base64}
func (g *Gateway) publishHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, g.maxPayload())
	var body PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Topic == "" || body.DataB64 == "" {
		writeError(w, http.StatusBadRequest, "invalid body: expected {topic,data_base64}")
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.DataB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base64 data")
		return
	}

	if err := g.bridge.PublishRaw(r.Context(), g.bridge.Channel(body.Topic), data); err != nil {
		g.logger.ComponentWarn(logging.ComponentGateway, "publish failed",
			zap.String("topic", body.Topic),
			zap.Error(err))
		bridgeerrors.WriteHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// channelsHandler lists the bridge's subscribed channels
func (g *Gateway) channelsHandler(w http.ResponseWriter, r *http.Request) {
	entries := g.bridge.Channels()
	out := make([]ChannelInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, ChannelInfo{
			Channel:  e.Channel,
			Pattern:  e.Pattern,
			Handlers: e.Handlers,
			Ack:      e.Ack.String(),
			Deferred: e.Deferred,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

// healthHandler reports the subscribe connection state
func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	state := g.bridge.State()
	status, code := "ok", http.StatusOK
	if !state.Connected() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"transport": state.String(),
	})
}

func (g *Gateway) maxPayload() int64 {
	if g.cfg.MaxPayloadSize > 0 {
		return g.cfg.MaxPayloadSize
	}
	return 1 << 20
}

// writeError writes an error response
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

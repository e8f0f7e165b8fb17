package gateway

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/cuemby/mapservice/pkg/log"
)

// HeaderAppID identifies the application opening a notification socket
const HeaderAppID = "X-App-ID"

// Notification is the JSON message pushed on the notify socket
type Notification struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NotifyHandler serves a websocket pushing the caller's map_surface
// notifications. The application is named by the X-App-ID header or the
// appid query parameter and is registered on connect.
func (g *Gateway) NotifyHandler() http.Handler {
	return http.HandlerFunc(g.handleNotify)
}

func (g *Gateway) handleNotify(w http.ResponseWriter, r *http.Request) {
	appID := r.Header.Get(HeaderAppID)
	if appID == "" {
		appID = r.URL.Query().Get("appid")
	}
	if appID == "" {
		http.Error(w, "application identity required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	g.register(appID)
	logger := log.WithAppID(appID)
	logger.Info().Msg("notify: client connected")
	defer logger.Info().Msg("notify: client disconnected")

	mb := g.events.Mailbox(appID)
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-mb.C():
			if !ok {
				return
			}
			msg := Notification{
				ID:        ev.ID,
				Kind:      string(ev.Kind),
				Timestamp: ev.Timestamp,
				Payload:   map[string]any(ev.Payload.Clone()),
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				logger.Warn().Err(err).Msg("notify: write failed")
				return
			}
		}
	}
}

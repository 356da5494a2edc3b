package admin

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// newUpgrader aceita a mesma origem do host (padrão do gorilla) ou, se houver,
// só as origens configuradas com WithAllowedOrigins.
func newUpgrader(origins []string) *websocket.Upgrader {
	u := &websocket.Upgrader{HandshakeTimeout: 10 * time.Second}
	if len(origins) == 0 {
		return u
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			allowed[strings.ToLower(o)] = struct{}{}
		}
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
	return u
}

const writeWait = 5 * time.Second

// liveStats envia um StatsSnapshot logo após conectar e depois a cada liveInterval,
// até o cliente fechar a conexão.
func (h *Handler) liveStats(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// leitor só para detectar close/ping do cliente
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.liveInterval)
	defer ticker.Stop()

	for {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(h.facade.Stats(r.Context())); err != nil {
			h.log.WithError(err).Debug("live stats write failed")
			return
		}
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

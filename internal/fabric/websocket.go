// Package fabric provides WebSocket subscriber connections for the Hub.
package fabric

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Build WebSocket upgrader with origin validation. In production
// (SHIELD_ENV=production) with SHIELD_ALLOWED_ORIGINS set, only the listed
// origins are accepted. Otherwise all origins are allowed; a warning is
// logged only when production has no allowlist.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

// buildCheckOrigin returns a CheckOrigin function based on the deployment environment.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("SHIELD_ENV")
	allowedRaw := os.Getenv("SHIELD_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		log.Printf("[WebSocket] origin allowlist active (%d origins)", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			log.Printf("[WebSocket] rejected connection from origin: %s", origin)
			return false
		}
	}

	if env == "production" && allowedRaw == "" {
		log.Println("[WebSocket] SHIELD_ALLOWED_ORIGINS not set in production — allowing all origins (INSECURE)")
	}
	return func(r *http.Request) bool {
		return true
	}
}

// HandleWebSocket upgrades HTTP to WebSocket and registers the connection as
// a subscriber watching the claim named by the "claim_id" query parameter,
// or every claim in the tenant when it is omitted.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	claimID := r.URL.Query().Get("claim_id")
	if tenantID == "" {
		tenantID = "default"
	}
	if claimID == "" {
		claimID = wildcardClaim
	}

	sub, err := h.RegisterSubscriber(tenantID, claimID)
	if err != nil {
		log.Printf("failed to register WebSocket subscriber: %v", err)
		conn.Close()
		return
	}

	log.Printf("WebSocket subscriber connected: %s (tenant=%s, claim=%s)", sub.ID, tenantID, claimID)

	h.RegisterSender(sub.ID, func(payload []byte) {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	})

	go h.handleSubscriberConnection(sub, conn)
}

// handleSubscriberConnection keeps the WebSocket connection alive and reads
// only to detect disconnects and respond to pings; subscribers never send
// routable messages, they just watch claim updates pushed by PublishClaimUpdate.
func (h *Hub) handleSubscriberConnection(sub *Subscriber, conn *websocket.Conn) {
	const (
		pongWait   = 60 * time.Second
		pingPeriod = 30 * time.Second
		writeWait  = 10 * time.Second
	)

	defer func() {
		h.UnregisterSubscriber(sub.ID)
		conn.Close()
		log.Printf("WebSocket subscriber disconnected: %s", sub.ID)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					log.Printf("ping failed for subscriber %s: %v", sub.ID, err)
					return
				}
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		sub.Touch(int64(len(payload)))
	}
}

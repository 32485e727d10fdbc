package handlers

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// realtimeHub fans publish lifecycle events out to the dashboard's websocket
// connections, keyed by owner.
type realtimeHub struct {
	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func newRealtimeHub() *realtimeHub {
	return &realtimeHub{
		conns: make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *realtimeHub) add(ownerID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(ownerID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[ownerID]
	if m == nil {
		m = make(map[*websocket.Conn]struct{})
		h.conns[ownerID] = m
	}
	m[c] = struct{}{}
}

func (h *realtimeHub) remove(ownerID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(ownerID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[ownerID]
	if m == nil {
		return
	}
	delete(m, c)
	if len(m) == 0 {
		delete(h.conns, ownerID)
	}
}

func (h *realtimeHub) broadcast(ownerID string, msg []byte) {
	if h == nil || strings.TrimSpace(ownerID) == "" || len(msg) == 0 {
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, 8)
	for c := range h.conns[ownerID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := websocket.Message.Send(c, string(msg)); err != nil {
			_ = c.Close()
			h.remove(ownerID, c)
		}
	}
}

type realtimeEvent struct {
	Type    string `json:"type"`
	OwnerID string `json:"ownerId"`
	PostID  string `json:"postId,omitempty"`
	Status  string `json:"status,omitempty"`
	At      string `json:"at"`
}

// PostEvent implements scheduler.EventSink.
func (h *Handler) PostEvent(ownerID, postID, status string) {
	if h == nil || h.rt == nil || strings.TrimSpace(ownerID) == "" {
		return
	}
	ev := realtimeEvent{
		Type:    "post." + status,
		OwnerID: ownerID,
		PostID:  postID,
		Status:  status,
		At:      time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	log.Printf("[Realtime] emit owner=%s type=%s postId=%s", ownerID, ev.Type, postID)
	h.rt.broadcast(ownerID, b)
}

func isLoopbackRemoteAddr(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil && h != "" {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// internalWSAllowed gates the backend WS endpoint: loopback is always allowed
// for local development, anything else needs INTERNAL_WS_SECRET.
func internalWSAllowed(r *http.Request) bool {
	if isLoopbackRemoteAddr(r.RemoteAddr) {
		return true
	}
	sec := strings.TrimSpace(os.Getenv("INTERNAL_WS_SECRET"))
	if sec == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Internal-WS-Secret")) == sec
}

// EventsWebSocket streams realtime publish events for one owner.
//
// URL: /api/events/ws?ownerId=...
func (h *Handler) EventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if !internalWSAllowed(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	ownerID := strings.TrimSpace(r.URL.Query().Get("ownerId"))
	if ownerID == "" {
		http.Error(w, "missing_ownerId", http.StatusBadRequest)
		return
	}

	wsServer := websocket.Server{
		// The default origin check 403s when Origin != Host; this endpoint is
		// internal (proxied), so origin is not part of its auth.
		Handshake: func(cfg *websocket.Config, req *http.Request) error {
			return nil
		},
		Handler: func(c *websocket.Conn) {
			log.Printf("[RealtimeWS] connect owner=%s remote=%s", ownerID, r.RemoteAddr)
			h.rt.add(ownerID, c)
			defer h.rt.remove(ownerID, c)
			defer log.Printf("[RealtimeWS] disconnect owner=%s remote=%s", ownerID, r.RemoteAddr)

			hello := realtimeEvent{
				Type:    "hello",
				OwnerID: ownerID,
				At:      time.Now().UTC().Format(time.RFC3339),
			}
			if b, err := json.Marshal(hello); err == nil {
				_ = websocket.Message.Send(c, string(b))
			}

			// Read loop keeps the connection open and detects disconnects.
			for {
				var ignored string
				if err := websocket.Message.Receive(c, &ignored); err != nil {
					break
				}
			}
		},
	}

	wsServer.ServeHTTP(w, r)
}

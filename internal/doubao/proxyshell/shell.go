// Package proxyshell accepts inbound WebSocket upgrade requests for the
// Doubao bridge and hands each connection off to its own bridge.Bridge.
package proxyshell

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"doubao-proxy/internal/doubao/bridge"
)

// Path is the only path this shell accepts upgrades on.
const Path = "/doubao-proxy"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades inbound connections and constructs one Session Bridge per
// connection. Its lifetime is strictly per connection: Handler itself holds
// nothing but the credentials needed to dial upstream.
type Handler struct {
	Creds bridge.Credentials
}

// NewHandler returns an http.Handler that serves exactly Path; register it
// directly against that path so any other path falls through to the
// caller's own 404/static handling.
func NewHandler(creds bridge.Credentials) *Handler {
	return &Handler{Creds: creds}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("proxyshell: upgrade failed: %v", err)
		return
	}

	b := bridge.New(conn, h.Creds)
	go b.Run()
}

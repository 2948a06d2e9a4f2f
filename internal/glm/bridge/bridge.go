// Package bridge is the degenerate GLM pass-through: every client frame is
// forwarded upstream verbatim and every upstream frame is forwarded to the
// client verbatim, with a pre-ready buffer so audio sent before the upstream
// dial completes isn't lost.
package bridge

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"doubao-proxy/internal/wsutil"
)

const upstreamURL = "wss://open.bigmodel.cn/api/paas/v4/realtime"

// Credentials authenticates the handshake to the GLM realtime endpoint.
type Credentials struct {
	APIKey string
}

type queuedFrame struct {
	messageType int
	data        []byte
}

// Bridge is one browser client wired to one GLM upstream connection.
type Bridge struct {
	client *websocket.Conn
	creds  Credentials

	upstream *websocket.Conn
	buffer   *wsutil.PreReadyBuffer[queuedFrame]

	// dialed is set by Run once the dial result has arrived and the buffer
	// has been drained; until then client frames go into the buffer.
	dialed bool

	// dialURL overrides upstreamURL when set; used by tests to point at a
	// local fake upstream instead of the real GLM endpoint.
	dialURL string
}

// New creates a Bridge for an already-upgraded client connection.
func New(client *websocket.Conn, creds Credentials) *Bridge {
	return &Bridge{
		client: client,
		creds:  creds,
		buffer: wsutil.NewPreReadyBuffer[queuedFrame](wsutil.DefaultCapacity, "glm-bridge"),
	}
}

type clientFrame struct {
	messageType int
	data        []byte
	err         error
}

type upstreamFrame struct {
	messageType int
	data        []byte
	err         error
}

// Run drives the bridge until either side closes.
func (b *Bridge) Run() {
	defer b.client.Close()

	clientCh := make(chan clientFrame, 1)
	go b.readClient(clientCh)

	dialCh := make(chan error, 1)
	go b.dialUpstream(dialCh)

	var upstreamCh chan upstreamFrame

	for {
		select {
		case cf := <-clientCh:
			if cf.err != nil {
				if b.upstream != nil {
					_ = b.upstream.Close()
				}
				return
			}
			b.forwardToUpstream(cf.messageType, cf.data)

		case uf := <-upstreamCh:
			if uf.err != nil {
				b.handleAbnormalUpstreamClose(uf.err)
				return
			}
			if err := b.client.WriteMessage(uf.messageType, uf.data); err != nil {
				log.Printf("glm bridge: write client: %v", err)
			}

		case err := <-dialCh:
			dialCh = nil
			if err != nil {
				b.sendClientError(fmt.Sprintf("服务器连接错误: %v", err))
				return
			}
			upstreamCh = make(chan upstreamFrame, 1)
			go b.readUpstream(upstreamCh)
			b.drainBuffer()
			b.dialed = true
		}
	}
}

func (b *Bridge) dialUpstream(done chan<- error) {
	header := http.Header{}
	header.Set("Authorization", b.creds.APIKey)

	dialURL := b.dialURL
	if dialURL == "" {
		dialURL = upstreamURL
	}
	conn, _, err := websocket.DefaultDialer.Dial(dialURL, header)
	if err != nil {
		done <- fmt.Errorf("dial upstream: %w", err)
		return
	}
	b.upstream = conn
	done <- nil
}

func (b *Bridge) readClient(out chan<- clientFrame) {
	for {
		mt, data, err := b.client.ReadMessage()
		out <- clientFrame{messageType: mt, data: data, err: err}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) readUpstream(out chan<- upstreamFrame) {
	for {
		mt, data, err := b.upstream.ReadMessage()
		out <- upstreamFrame{messageType: mt, data: data, err: err}
		if err != nil {
			return
		}
	}
}

// forwardToUpstream ships a client frame immediately once the upstream is
// dialed and the buffer drained, otherwise parks it in the pre-ready buffer
// in FIFO order.
func (b *Bridge) forwardToUpstream(messageType int, data []byte) {
	if !b.dialed {
		b.buffer.Push(queuedFrame{messageType: messageType, data: data})
		return
	}
	if err := b.upstream.WriteMessage(messageType, data); err != nil {
		log.Printf("glm bridge: write upstream: %v", err)
	}
}

func (b *Bridge) drainBuffer() {
	for _, qf := range b.buffer.Drain() {
		if err := b.upstream.WriteMessage(qf.messageType, qf.data); err != nil {
			log.Printf("glm bridge: write buffered frame upstream: %v", err)
			return
		}
	}
}

func (b *Bridge) handleAbnormalUpstreamClose(err error) {
	log.Printf("glm bridge: upstream closed: %v", err)
	b.sendClientError(fmt.Sprintf("服务器连接关闭: %v", err))
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Server connection closed")
	_ = b.client.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
}

func (b *Bridge) sendClientError(msg string) {
	_ = b.client.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"type":"error","error":%q}`, msg)))
}

// Path is the only path the GLM proxy shell accepts upgrades on.
const Path = "/proxy"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades inbound connections and constructs one Bridge per
// connection.
type Handler struct {
	Creds Credentials
}

// NewHandler returns an http.Handler serving Path.
func NewHandler(creds Credentials) *Handler {
	return &Handler{Creds: creds}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("glm proxyshell: upgrade failed: %v", err)
		return
	}
	b := New(conn, h.Creds)
	go b.Run()
}

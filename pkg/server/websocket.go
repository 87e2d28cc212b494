package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trade-relay/pkg/logging"
	"github.com/trade-relay/pkg/protocol"
)

// wsIDPrefix keeps WebSocket connection ids apart from TCP ones.
const wsIDPrefix = "ws/"

// wsTransport carries the record stream over WebSocket messages. Each
// inbound message is read as one or more records followed by a delimiter;
// each outbound record is sent as one text message without its delimiter.
type wsTransport struct {
	conn *websocket.Conn

	cur       io.Reader
	pendingNL bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (w *wsTransport) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if w.pendingNL {
			w.pendingNL = false
			p[0] = protocol.Delimiter
			return 1, nil
		}
		if w.cur == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return 0, io.EOF
				}
				return 0, err
			}
			w.cur = r
		}
		n, err := w.cur.Read(p)
		if errors.Is(err, io.EOF) {
			w.cur = nil
			w.pendingNL = true
			err = nil
		}
		if n > 0 || err != nil {
			return n, err
		}
	}
}

func (w *wsTransport) Write(p []byte) (int, error) {
	msg := bytes.TrimSuffix(p, []byte{protocol.Delimiter})
	if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsTransport) SetWriteDeadline(t time.Time) error {
	return w.conn.SetWriteDeadline(t)
}

func (w *wsTransport) Close() error {
	return w.conn.Close()
}

func (w *wsTransport) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

// WebSocketHandler upgrades requests and serves each as a relay connection,
// with the same registry, protocol and health checks as TCP clients.
func (s *RelayServer) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: readBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isClosing() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Debugf("[ws] upgrade failed remote=%s: %v", r.RemoteAddr, err)
			return
		}
		if !s.beginConn() {
			_ = conn.Close()
			return
		}
		s.collector.RecordAccepted()
		s.handleConnection(wsIDPrefix+r.RemoteAddr, newWSTransport(conn))
	})
}

// StartWebSocketListener serves WebSocket relay clients on addr at path
// until Shutdown.
func (s *RelayServer) StartWebSocketListener(addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s.WebSocketHandler())
	hs := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !s.track(nil, hs) {
		return ErrServerClosed
	}
	s.startMonitor()

	logging.Logf("[listen] websocket addr=%s path=%s", addr, path)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ErrServerClosed
}

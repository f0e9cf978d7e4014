package link

import (
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
)

// Upgrader is the shared gorilla/websocket upgrader, carried over from
// the teacher's websocket/websocket.go Upgrader (origin check + buffer
// sizing policy).
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if os.Getenv("ENVIRONMENT") != "production" {
			return true
		}
		return origin == os.Getenv("ALLOWED_ORIGIN")
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

var closeCodeToWS = map[CloseCode]int{
	CloseClean:               websocket.CloseNormalClosure,
	CloseLeaving:              websocket.CloseGoingAway,
	CloseError:                websocket.CloseInternalServerErr,
	CloseAuthenticationFailed: 4106,
	CloseTimeout:              4107,
	CloseKicked:               4108,
	CloseChannelFull:          4109,
}

// WSLink adapts a *websocket.Conn to the Link interface using a
// single-writer-goroutine discipline, the same pattern the teacher uses
// in writePumpSFU/readPumpSFU (webrtc/sfu.go) and WritePump/ReadPump
// (websocket/websocket.go).
type WSLink struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	closed   bool
	onFrame  func([]byte)
	onClose  func()
	closeSig chan struct{}
}

// NewWSLink wraps conn and starts its write pump. Call Run to start the
// blocking read pump (typically in the handler's goroutine).
func NewWSLink(conn *websocket.Conn) *WSLink {
	l := &WSLink{
		conn:     conn,
		send:     make(chan []byte, 256),
		closeSig: make(chan struct{}),
	}
	go l.writePump()
	return l
}

func (l *WSLink) Send(frame []byte) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return websocket.ErrCloseSent
	}
	l.mu.Unlock()

	select {
	case l.send <- frame:
		return nil
	case <-l.closeSig:
		return websocket.ErrCloseSent
	}
}

func (l *WSLink) OnFrame(fn func([]byte)) {
	l.mu.Lock()
	l.onFrame = fn
	l.mu.Unlock()
}

func (l *WSLink) OnClose(fn func()) {
	l.mu.Lock()
	l.onClose = fn
	l.mu.Unlock()
}

func (l *WSLink) Close(code CloseCode) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	wsCode, ok := closeCodeToWS[code]
	if !ok {
		wsCode = websocket.CloseNormalClosure
	}
	deadline := websocket.FormatCloseMessage(wsCode, "")
	_ = l.conn.WriteControl(websocket.CloseMessage, deadline, deadlineNow())
	close(l.closeSig)
	return l.conn.Close()
}

// Run blocks reading frames until the connection closes or errors, then
// fires the OnClose callback exactly once. Intended to be called from
// the accepting goroutine (mirrors the teacher's readPumpSFU being the
// thing that blocks the connection-handling goroutine).
func (l *WSLink) Run() {
	defer l.fireClose()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return
		}
		l.mu.Lock()
		cb := l.onFrame
		l.mu.Unlock()
		if cb != nil {
			cb(data)
		}
	}
}

func (l *WSLink) fireClose() {
	l.mu.Lock()
	l.closed = true
	cb := l.onClose
	l.mu.Unlock()

	select {
	case <-l.closeSig:
	default:
		close(l.closeSig)
	}
	if cb != nil {
		cb()
	}
}

func (l *WSLink) writePump() {
	for {
		select {
		case frame, ok := <-l.send:
			if !ok {
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-l.closeSig:
			return
		}
	}
}

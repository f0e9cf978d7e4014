package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/odoo/sfu/internal/link"
)

// loopLink is an in-memory link.Link that wires two Bus instances
// together without a real transport, for exercising the request/response
// and batching logic directly.
type loopLink struct {
	peer    *loopLink
	onFrame func([]byte)
	onClose func()
}

func newLoopPair() (*loopLink, *loopLink) {
	a := &loopLink{}
	b := &loopLink{}
	a.peer = b
	b.peer = a
	return a, b
}

func (l *loopLink) Send(frame []byte) error {
	cb := l.peer.onFrame
	if cb != nil {
		cb(frame)
	}
	return nil
}

func (l *loopLink) OnFrame(fn func([]byte)) { l.onFrame = fn }
func (l *loopLink) OnClose(fn func())       { l.onClose = fn }
func (l *loopLink) Close(code link.CloseCode) error {
	if l.onClose != nil {
		l.onClose()
	}
	return nil
}

func TestRequestResponseRoundTrip(t *testing.T) {
	clientLink, serverLink := newLoopPair()
	client := New("bus1", "c", clientLink, time.Millisecond)
	server := New("bus1", "s", serverLink, time.Millisecond)

	server.OnRequest(func(msg Message) (Message, error) {
		if msg.Name != "ping" {
			t.Fatalf("unexpected request name %q", msg.Name)
		}
		return Message{Name: "pong"}, nil
	})

	resp, err := client.Request(context.Background(), Message{Name: "ping"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Name != "pong" {
		t.Fatalf("expected pong, got %q", resp.Name)
	}
}

func TestRequestTimeout(t *testing.T) {
	clientLink, serverLink := newLoopPair()
	client := New("bus2", "c", clientLink, time.Millisecond)
	_ = New("bus2", "s", serverLink, time.Millisecond)

	_, err := client.Request(context.Background(), Message{Name: "noop"}, WithTimeout(20*time.Millisecond))
	if err != ErrRequestTimeout {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
}

func TestFireAndForget(t *testing.T) {
	clientLink, serverLink := newLoopPair()
	client := New("bus3", "c", clientLink, time.Millisecond)
	server := New("bus3", "s", serverLink, time.Millisecond)

	received := make(chan Message, 1)
	server.OnMessage(func(msg Message) {
		received <- msg
	})

	if err := client.Send(Message{Name: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Name != "hello" {
			t.Fatalf("expected hello, got %q", msg.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBatchCoalescesTrailingMessages(t *testing.T) {
	clientLink, serverLink := newLoopPair()
	client := New("bus4", "c", clientLink, 50*time.Millisecond)

	_ = server4(serverLink)
	var frames [][]byte
	serverLink.onFrame = func(f []byte) {
		frames = append(frames, f)
	}

	if err := client.Send(Message{Name: "a"}, Batch()); err != nil {
		t.Fatalf("Send a: %v", err)
	}
	if err := client.Send(Message{Name: "b"}, Batch()); err != nil {
		t.Fatalf("Send b: %v", err)
	}
	if err := client.Send(Message{Name: "c"}, Batch()); err != nil {
		t.Fatalf("Send c: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	if len(frames) != 2 {
		t.Fatalf("expected 2 frames (immediate first + trailing batch), got %d", len(frames))
	}

	var second []Payload
	if err := json.Unmarshal(frames[1], &second); err != nil {
		t.Fatalf("unmarshal second frame: %v", err)
	}
	if len(second) != 2 || second[0].Message.Name != "b" || second[1].Message.Name != "c" {
		t.Fatalf("unexpected trailing batch contents: %+v", second)
	}
}

func server4(l link.Link) *Bus {
	return New("bus4", "s", l, time.Millisecond)
}

func TestCloseRejectsPending(t *testing.T) {
	clientLink, serverLink := newLoopPair()
	client := New("bus5", "c", clientLink, time.Millisecond)
	_ = New("bus5", "s", serverLink, time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), Message{Name: "x"}, WithTimeout(time.Second))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		if err != ErrBusClosed {
			t.Fatalf("expected ErrBusClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request to resolve")
	}
}

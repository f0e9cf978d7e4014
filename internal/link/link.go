// Package link defines the abstract duplex endpoint the Bus runs over
// (spec §9 REDESIGN FLAGS "Duck-typed duplex endpoint"), replacing the
// teacher's is-this-a-browser-or-a-server duck typing with one explicit
// interface and a server-side adapter.
package link

// CloseCode is a link close code (spec §6.3).
type CloseCode int

const (
	CloseClean                CloseCode = 1000
	CloseLeaving              CloseCode = 1001
	CloseError                CloseCode = 1011
	CloseAuthenticationFailed CloseCode = 4106
	CloseTimeout              CloseCode = 4107
	CloseKicked               CloseCode = 4108
	CloseChannelFull          CloseCode = 4109
)

// Link is one duplex byte-stream connection carrying JSON frames, each
// frame a JSON array of Bus payloads. Concrete adapters (e.g. a
// websocket connection) implement this; the core never touches the
// underlying transport directly.
type Link interface {
	// Send writes one frame (already-encoded bytes) to the peer.
	Send(frame []byte) error
	// OnFrame registers the callback invoked for every inbound frame.
	// Only one callback may be registered; a second call replaces it.
	OnFrame(func(frame []byte))
	// OnClose registers the callback invoked exactly once when the link
	// closes, for any reason (peer close, error, or local Close()).
	OnClose(func())
	// Close closes the link with the given close code. Idempotent.
	Close(code CloseCode) error
}

package hypersockets

import "encoding/json"

// WsMessage is a tagged union of the two WebSocket frame kinds this
// framework moves around: text and binary. Exactly one of Text/Binary is
// meaningful, selected by IsText/IsBinary.
type WsMessage struct {
	text     string
	binary   []byte
	isBinary bool
}

// TextMessage wraps a text frame.
func TextMessage(s string) WsMessage { return WsMessage{text: s} }

// BinaryMessage wraps a binary frame.
func BinaryMessage(b []byte) WsMessage { return WsMessage{binary: b, isBinary: true} }

func (m WsMessage) IsText() bool   { return !m.isBinary }
func (m WsMessage) IsBinary() bool { return m.isBinary }

// AsText returns the text payload and true, or "" and false if this is a
// binary message.
func (m WsMessage) AsText() (string, bool) {
	if m.isBinary {
		return "", false
	}
	return m.text, true
}

// AsBinary returns the binary payload and true, or nil and false if this
// is a text message.
func (m WsMessage) AsBinary() ([]byte, bool) {
	if !m.isBinary {
		return nil, false
	}
	return m.binary, true
}

// Router parses raw frames into typed messages and assigns each a route
// key. Messages sharing a route key are delivered to the same handler, in
// order; different keys run fully independently.
type Router interface {
	// Parse may fail; failures are logged by the caller and the frame is
	// dropped, not treated as a connection error.
	Parse(raw WsMessage) (any, error)
	RouteKey(msg any) string
}

// Handler processes messages for a single route key. Handlers run
// sequentially per key on a dedicated goroutine; an error is logged and
// does not stop the handler loop.
type Handler interface {
	Handle(msg any) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg any) error

func (f HandlerFunc) Handle(msg any) error { return f(msg) }

// AuthProvider authenticates a connection immediately after handshake.
type AuthProvider interface {
	// AuthMessage returns the frame to send to authenticate, or false if
	// no auth message is needed.
	AuthMessage() (WsMessage, bool, error)
	// ValidateAuthResponse inspects the first frame received after the
	// auth message was sent.
	ValidateAuthResponse(resp WsMessage) (bool, error)
}

// NoAuth performs no authentication.
type NoAuth struct{}

func (NoAuth) AuthMessage() (WsMessage, bool, error)        { return WsMessage{}, false, nil }
func (NoAuth) ValidateAuthResponse(WsMessage) (bool, error) { return true, nil }

// HeaderProvider supplies HTTP headers to attach to each (re)connect,
// called fresh on every attempt so dynamic tokens/nonces stay current.
type HeaderProvider interface {
	Headers() (map[string]string, error)
}

// NoHeaders supplies no extra headers.
type NoHeaders struct{}

func (NoHeaders) Headers() (map[string]string, error) { return nil, nil }

// PassivePingDetector recognizes an inbound server "ping" frame that must
// be answered immediately and never forwarded to the router.
type PassivePingDetector interface {
	IsPing(msg WsMessage) bool
	PongResponse() WsMessage
}

// NoOpPassivePing never detects a ping.
type NoOpPassivePing struct{}

func (NoOpPassivePing) IsPing(WsMessage) bool   { return false }
func (NoOpPassivePing) PongResponse() WsMessage { return WsMessage{} }

// TextPassivePing matches an exact text frame and answers with another.
type TextPassivePing struct {
	PingText    string
	PongPayload string
}

func (p TextPassivePing) IsPing(msg WsMessage) bool {
	text, ok := msg.AsText()
	return ok && text == p.PingText
}

func (p TextPassivePing) PongResponse() WsMessage { return TextMessage(p.PongPayload) }

// JSONPassivePing matches a JSON frame whose named field equals a given
// string value, e.g. {"type":"PING"}.
type JSONPassivePing struct {
	FieldName   string
	PingValue   string
	PongPayload string
}

func (p JSONPassivePing) IsPing(msg WsMessage) bool {
	text, ok := msg.AsText()
	if !ok {
		return false
	}
	var envelope map[string]any
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return false
	}
	v, ok := envelope[p.FieldName].(string)
	return ok && v == p.PingValue
}

func (p JSONPassivePing) PongResponse() WsMessage { return TextMessage(p.PongPayload) }

// PongDetector recognizes a true WebSocket-protocol-level pong reply,
// distinct from a passive-ping text response.
type PongDetector interface {
	IsPong(msg WsMessage) bool
}

// NoOpPongDetector never detects a pong.
type NoOpPongDetector struct{}

func (NoOpPongDetector) IsPong(WsMessage) bool { return false }

// TextPongDetector matches an exact text frame as a pong.
type TextPongDetector struct {
	PongText string
}

func (d TextPongDetector) IsPong(msg WsMessage) bool {
	text, ok := msg.AsText()
	return ok && text == d.PongText
}

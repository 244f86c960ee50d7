package wire

// Frame types exchanged with the chat backend. The wire `type` field carries
// exactly one of these values.
const (
	TypeConnectionEstablished = "connection_established"
	TypeInitProgress          = "initialization_progress"
	TypeConnectionReady       = "connection_ready"
	TypeJoinChat              = "join_chat"
	TypeChatJoined            = "chat_joined"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeProcessing            = "processing"
	TypeResponseChunk         = "response_chunk"
	TypeResponseComplete      = "response_complete"
	TypeUserMessage           = "user_message"
	TypeError                 = "error"
)

// Close codes used by the backend. 1000/1006 are standard WebSocket codes,
// the 4xxx range is the private application contract.
const (
	CloseNormal         = 1000
	CloseAbnormal       = 1006
	CloseConfigError    = 4000
	CloseBadFirstFrame  = 4002
	CloseAuthRequired   = 4401
	CloseAuthInvalid    = 4403
	CloseTenantMismatch = 4405
	CloseJoinTimeout    = 4408
	CloseServerRestart  = 4409
)

// identityRequired lists frame types that must carry a message identifier
// after normalization; one is generated when the payload omits it.
var identityRequired = map[string]bool{
	TypeUserMessage:      true,
	TypeProcessing:       true,
	TypeResponseChunk:    true,
	TypeResponseComplete: true,
}

// timestampRequired lists frame types that must carry an event timestamp
// after normalization.
var timestampRequired = map[string]bool{
	TypeUserMessage:      true,
	TypeProcessing:       true,
	TypeResponseChunk:    true,
	TypeResponseComplete: true,
	TypePing:             true,
	TypePong:             true,
	TypeError:            true,
}

// RequiresIdentity reports whether frames of the given type must carry a
// message identifier after normalization.
func RequiresIdentity(frameType string) bool { return identityRequired[frameType] }

// RequiresTimestamp reports whether frames of the given type must carry an
// event timestamp after normalization.
func RequiresTimestamp(frameType string) bool { return timestampRequired[frameType] }

// Envelope is the normalized unit of wire communication. Data holds the
// payload under internal (snake_case) keys; absent values are present as
// explicit nils so consumers never branch on key existence.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	MessageID string         `json:"message_id,omitempty"`
	EventTS   int64          `json:"event_ts,omitempty"`

	// Normalized is false when the raw frame could not be fully normalized;
	// NormalizeErr then carries the original error text.
	Normalized   bool   `json:"-"`
	NormalizeErr string `json:"-"`
}

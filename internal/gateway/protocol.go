package gateway

import (
	"encoding/json"
	"errors"

	"github.com/wavelink/backend/internal/snowflake"
)

// Frame types exchanged over the gateway socket.
const (
	TypeAuthenticate  = "AUTHENTICATE"
	TypeAuthenticated = "AUTHENTICATED"
	TypeSubscribe     = "SUBSCRIBE"
	TypeSubscribed    = "SUBSCRIBED"
	TypeUnsubscribe   = "UNSUBSCRIBE"
	TypeUnsubscribed  = "UNSUBSCRIBED"
	TypeError         = "ERROR"

	// TargetMessagesDirect is both the only subscribable target and the
	// event type of relayed direct messages.
	TargetMessagesDirect = "MESSAGES_DIRECT"
)

// Client-visible error messages.
const (
	messageMustAuthenticate     = "must authenticate first"
	messageAlreadyAuthenticated = "already authenticated"
	messageAuthenticationFailed = "authentication failed"
	messageInvalidTarget        = "invalid target"
	messageInvalidMessageType   = "invalid message type"
	messageInvalidUser          = "invalid user"
	messageMalformed            = "malformed message"
	messageTooManyRequests      = "too many requests"
	messageInternal             = "internal server error"
)

var (
	// ErrAuthorizationDenied is reported as "invalid user" so that a block
	// is indistinguishable from an unknown user.
	ErrAuthorizationDenied = errors.New("gateway: authorization denied")
	// ErrInvalidTarget indicates an unsupported subscription target.
	ErrInvalidTarget = errors.New("gateway: invalid target")
	// ErrInvalidMessageType indicates an unknown inbound frame type.
	ErrInvalidMessageType = errors.New("gateway: invalid message type")
)

// inboundFrame is any client-to-server frame. User is kept raw so that an
// unparsable id is answered with "invalid user" rather than a decode error.
type inboundFrame struct {
	Type   string          `json:"type"`
	Token  string          `json:"token,omitempty"`
	Target string          `json:"target,omitempty"`
	User   json.RawMessage `json:"user,omitempty"`
}

func (f inboundFrame) userID() (snowflake.ID, bool) {
	if len(f.User) == 0 {
		return 0, false
	}
	var id snowflake.ID
	if err := json.Unmarshal(f.User, &id); err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// outboundFrame is any server-to-client frame.
type outboundFrame struct {
	Type    string          `json:"type"`
	Target  string          `json:"target,omitempty"`
	User    *snowflake.ID   `json:"user,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// envelope is what travels over the broker.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// subscriptionKey identifies one recorded subscription of a connection.
type subscriptionKey struct {
	target string
	user   snowflake.ID
}

func errorFrame(message string) outboundFrame {
	return outboundFrame{Type: TypeError, Message: message}
}

package model

// UserID identifies an authenticated user. Ids are assigned by the
// admission layer and never generated here.
type UserID int64

type Kind string

// Wire discriminants, the value of the "type" field of every frame.
const (
	KindStatus       Kind = "Status"
	KindChat         Kind = "Chat"
	KindCallOffer    Kind = "CallOffer"
	KindCallAnswer   Kind = "CallAnswer"
	KindIceCandidate Kind = "IceCandidate"
	KindEndCall      Kind = "EndCall"
	KindError        Kind = "Error"
)

// Message is one of the protocol variants declared below.
type Message interface {
	Kind() Kind
}

// Relay is implemented by variants addressed to exactly one user.
type Relay interface {
	Message
	Target() UserID
}

type (
	// Status is a presence notification.
	Status struct {
		UserID UserID `json:"user_id"`
		Online bool   `json:"online"`
	}

	Chat struct {
		ToUserID UserID `json:"to_user_id"`
		Content  string `json:"content"`
	}

	CallOffer struct {
		ToUserID UserID `json:"to_user_id"`
		SDP      string `json:"sdp"`
	}

	CallAnswer struct {
		ToUserID UserID `json:"to_user_id"`
		SDP      string `json:"sdp"`
	}

	IceCandidate struct {
		ToUserID  UserID `json:"to_user_id"`
		Candidate string `json:"candidate"`
	}

	EndCall struct {
		ToUserID UserID `json:"to_user_id"`
	}

	// Error is a server-originated diagnostic. Clients never send it.
	Error struct {
		Message string `json:"message"`
	}
)

func (Status) Kind() Kind       { return KindStatus }
func (Chat) Kind() Kind         { return KindChat }
func (CallOffer) Kind() Kind    { return KindCallOffer }
func (CallAnswer) Kind() Kind   { return KindCallAnswer }
func (IceCandidate) Kind() Kind { return KindIceCandidate }
func (EndCall) Kind() Kind      { return KindEndCall }
func (Error) Kind() Kind        { return KindError }

func (m Chat) Target() UserID         { return m.ToUserID }
func (m CallOffer) Target() UserID    { return m.ToUserID }
func (m CallAnswer) Target() UserID   { return m.ToUserID }
func (m IceCandidate) Target() UserID { return m.ToUserID }
func (m EndCall) Target() UserID      { return m.ToUserID }

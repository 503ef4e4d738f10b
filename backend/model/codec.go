package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownVariant   = errors.New("unknown message variant")
	ErrUnencodable      = errors.New("message cannot be encoded")
)

var jsonNull = []byte("null")

// Decode parses one frame. Every failure wraps ErrMalformedMessage.
// Fields not used by the variant are ignored, required ones must be present and non-null.
func Decode(b []byte) (Message, error) {
	var f fields
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: frame is not an object", ErrMalformedMessage)
	}

	var tag string
	if err := f.get("type", &tag); err != nil {
		return nil, err
	}

	switch Kind(tag) {
	case KindStatus:
		var m Status
		err := firstErr(f.get("user_id", &m.UserID), f.get("online", &m.Online))
		return decoded(m, err)
	case KindChat:
		var m Chat
		err := firstErr(f.get("to_user_id", &m.ToUserID), f.get("content", &m.Content))
		return decoded(m, err)
	case KindCallOffer:
		var m CallOffer
		err := firstErr(f.get("to_user_id", &m.ToUserID), f.get("sdp", &m.SDP))
		return decoded(m, err)
	case KindCallAnswer:
		var m CallAnswer
		err := firstErr(f.get("to_user_id", &m.ToUserID), f.get("sdp", &m.SDP))
		return decoded(m, err)
	case KindIceCandidate:
		var m IceCandidate
		err := firstErr(f.get("to_user_id", &m.ToUserID), f.get("candidate", &m.Candidate))
		return decoded(m, err)
	case KindEndCall:
		var m EndCall
		err := f.get("to_user_id", &m.ToUserID)
		return decoded(m, err)
	case KindError:
		var m Error
		err := f.get("message", &m.Message)
		return decoded(m, err)
	default:
		return nil, fmt.Errorf("%w: %w %q", ErrMalformedMessage, ErrUnknownVariant, tag)
	}
}

// Encode serializes a message value into one frame.
func Encode(msg Message) ([]byte, error) {
	var frame any
	switch m := msg.(type) {
	case Status:
		frame = struct {
			Type Kind `json:"type"`
			Status
		}{KindStatus, m}
	case Chat:
		frame = struct {
			Type Kind `json:"type"`
			Chat
		}{KindChat, m}
	case CallOffer:
		frame = struct {
			Type Kind `json:"type"`
			CallOffer
		}{KindCallOffer, m}
	case CallAnswer:
		frame = struct {
			Type Kind `json:"type"`
			CallAnswer
		}{KindCallAnswer, m}
	case IceCandidate:
		frame = struct {
			Type Kind `json:"type"`
			IceCandidate
		}{KindIceCandidate, m}
	case EndCall:
		frame = struct {
			Type Kind `json:"type"`
			EndCall
		}{KindEndCall, m}
	case Error:
		frame = struct {
			Type Kind `json:"type"`
			Error
		}{KindError, m}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnencodable, msg)
	}
	return json.Marshal(frame)
}

func decoded[T Message](m T, err error) (Message, error) {
	if err != nil {
		return nil, err
	}
	return m, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

type fields map[string]json.RawMessage

func (f fields) get(name string, dst any) error {
	raw, ok := f[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return fmt.Errorf("%w: missing field %q", ErrMalformedMessage, name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: field %q: %w", ErrMalformedMessage, name, err)
	}
	return nil
}

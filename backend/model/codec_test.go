package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Message
	}{
		{
			name:  "status",
			frame: `{"type":"Status","user_id":7,"online":true}`,
			want:  Status{UserID: 7, Online: true},
		},
		{
			name:  "chat",
			frame: `{"type":"Chat","to_user_id":3,"content":"hello"}`,
			want:  Chat{ToUserID: 3, Content: "hello"},
		},
		{
			name:  "chat with empty content",
			frame: `{"type":"Chat","to_user_id":3,"content":""}`,
			want:  Chat{ToUserID: 3},
		},
		{
			name:  "call offer",
			frame: `{"type":"CallOffer","to_user_id":2,"sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1"}`,
			want:  CallOffer{ToUserID: 2, SDP: "v=0\r\no=- 1 2 IN IP4 127.0.0.1"},
		},
		{
			name:  "call answer",
			frame: `{"type":"CallAnswer","to_user_id":2,"sdp":"answer"}`,
			want:  CallAnswer{ToUserID: 2, SDP: "answer"},
		},
		{
			name:  "ice candidate",
			frame: `{"type":"IceCandidate","to_user_id":9,"candidate":"candidate:1 1 UDP 1 10.0.0.1 5000 typ host"}`,
			want:  IceCandidate{ToUserID: 9, Candidate: "candidate:1 1 UDP 1 10.0.0.1 5000 typ host"},
		},
		{
			name:  "end call",
			frame: `{"type":"EndCall","to_user_id":4}`,
			want:  EndCall{ToUserID: 4},
		},
		{
			name:  "error",
			frame: `{"type":"Error","message":"boom"}`,
			want:  Error{Message: "boom"},
		},
		{
			name:  "extra fields are ignored",
			frame: `{"type":"EndCall","to_user_id":4,"sdp":"x","trace":{"a":1}}`,
			want:  EndCall{ToUserID: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("decoded message mismatch\ngot:  %swant: %s", spew.Sdump(got), spew.Sdump(tt.want))
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	frames := map[string]string{
		"not json":            `hello`,
		"array":               `[1,2]`,
		"null":                `null`,
		"no type":             `{"to_user_id":1,"content":"x"}`,
		"type not a string":   `{"type":1}`,
		"unknown type":        `{"type":"Typing","to_user_id":1}`,
		"lowercase type":      `{"type":"chat","to_user_id":1,"content":"x"}`,
		"missing target":      `{"type":"Chat","content":"x"}`,
		"missing content":     `{"type":"Chat","to_user_id":1}`,
		"null content":        `{"type":"Chat","to_user_id":1,"content":null}`,
		"string target":       `{"type":"CallOffer","to_user_id":"1","sdp":"x"}`,
		"fractional target":   `{"type":"EndCall","to_user_id":1.5}`,
		"missing online":      `{"type":"Status","user_id":1}`,
		"online not bool":     `{"type":"Status","user_id":1,"online":"yes"}`,
		"missing candidate":   `{"type":"IceCandidate","to_user_id":1}`,
		"missing error text":  `{"type":"Error"}`,
		"truncated":           `{"type":"Chat","to_user_id":1,"content":"x"`,
		"missing answer sdp":  `{"type":"CallAnswer","to_user_id":1}`,
		"missing status user": `{"type":"Status","online":false}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			msg, err := Decode([]byte(frame))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v (message %s)", err, spew.Sdump(msg))
			}
			if msg != nil {
				t.Errorf("expected no message on failure, got %s", spew.Sdump(msg))
			}
		})
	}
}

func TestDecodeErrorIsSingleLine(t *testing.T) {
	frames := []string{
		`{"type":"Chat"}`,
		`{"type":"IceCandidate","to_user_id":"x"}`,
		`{"type":"Status"`,
	}
	for _, frame := range frames {
		_, err := Decode([]byte(frame))
		if err == nil {
			t.Fatalf("%s: expected an error", frame)
		}
		text := err.Error()
		if strings.Contains(text, "\n") || strings.Count(text, ErrMalformedMessage.Error()) != 1 {
			t.Errorf("%s: unexpected error text %q", frame, text)
		}
	}

	_, err := Decode([]byte(`{"type":"Chat"}`))
	if want := `malformed message: missing field "to_user_id"`; err.Error() != want {
		t.Errorf("got %q want %q", err.Error(), want)
	}
}

func TestDecodeUnknownVariant(t *testing.T) {
	_, err := Decode([]byte(`{"type":"Ping"}`))
	if !errors.Is(err, ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
}

func TestEncodeUsesWireNames(t *testing.T) {
	b, err := Encode(IceCandidate{ToUserID: 12, Candidate: "c"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var obj map[string]any
	if err = json.Unmarshal(b, &obj); err != nil {
		t.Fatalf("encoded frame is not json: %v", err)
	}
	want := map[string]any{"type": "IceCandidate", "to_user_id": float64(12), "candidate": "c"}
	if len(obj) != len(want) {
		t.Fatalf("unexpected fields: %s", spew.Sdump(obj))
	}
	for k, v := range want {
		if obj[k] != v {
			t.Errorf("field %q: got %v, want %v", k, obj[k], v)
		}
	}
}

func TestEncodeStatusKeepsFalse(t *testing.T) {
	b, err := Encode(Status{UserID: 2})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(b) != `{"type":"Status","user_id":2,"online":false}` {
		t.Errorf("unexpected frame: %s", b)
	}
}

type bogus struct{}

func (bogus) Kind() Kind { return "Bogus" }

func TestEncodeRejectsForeignTypes(t *testing.T) {
	if _, err := Encode(bogus{}); !errors.Is(err, ErrUnencodable) {
		t.Fatalf("expected ErrUnencodable, got %v", err)
	}
}

func TestCodecProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	genUserID := gen.Int64().Map(func(v int64) UserID { return UserID(v) })

	genMessage := gen.OneGenOf(
		gopter.CombineGens(genUserID, gen.Bool()).Map(func(v []any) Message {
			return Status{UserID: v[0].(UserID), Online: v[1].(bool)}
		}),
		gopter.CombineGens(genUserID, gen.AnyString()).Map(func(v []any) Message {
			return Chat{ToUserID: v[0].(UserID), Content: v[1].(string)}
		}),
		gopter.CombineGens(genUserID, gen.AnyString()).Map(func(v []any) Message {
			return CallOffer{ToUserID: v[0].(UserID), SDP: v[1].(string)}
		}),
		gopter.CombineGens(genUserID, gen.AnyString()).Map(func(v []any) Message {
			return CallAnswer{ToUserID: v[0].(UserID), SDP: v[1].(string)}
		}),
		gopter.CombineGens(genUserID, gen.AnyString()).Map(func(v []any) Message {
			return IceCandidate{ToUserID: v[0].(UserID), Candidate: v[1].(string)}
		}),
		genUserID.Map(func(v UserID) Message { return EndCall{ToUserID: v} }),
		gen.AnyString().Map(func(v string) Message { return Error{Message: v} }),
	)

	properties.Property("every message encodes and decodes to itself", prop.ForAll(
		func(msg Message) bool {
			b, err := Encode(msg)
			if err != nil {
				return false
			}
			got, err := Decode(b)
			if err != nil {
				return false
			}
			// invalid UTF-8 is replaced during encoding, compare against a second pass
			again, err := Encode(got)
			return err == nil && string(again) == string(b) && got.Kind() == msg.Kind()
		},
		genMessage,
	))

	properties.Property("decode never panics on arbitrary input", prop.ForAll(
		func(s string) bool {
			msg, err := Decode([]byte(s))
			return (msg == nil) == (err != nil)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

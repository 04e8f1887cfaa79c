package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type testPayload struct {
	SessionID string `json:"session_id"`
	Items     int    `json:"items"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{SessionID: "s1", Items: 3}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}
}

func TestUnmarshalStringDecodesEmbeddedDocument(t *testing.T) {
	var out testPayload
	if err := UnmarshalString(`{"session_id":"abc","items":9}`, &out); err != nil {
		t.Fatalf("unmarshal string failed: %v", err)
	}
	if out.SessionID != "abc" || out.Items != 9 {
		t.Fatalf("unexpected payload %#v", out)
	}

	s, err := MarshalToString(out)
	if err != nil {
		t.Fatalf("marshal to string failed: %v", err)
	}
	if !strings.Contains(s, `"session_id":"abc"`) {
		t.Fatalf("unexpected encoding %s", s)
	}
}

func TestValid(t *testing.T) {
	if !Valid([]byte(`{"a":[1,2]}`)) {
		t.Fatal("expected valid document")
	}
	if Valid([]byte(`{"a":`)) {
		t.Fatal("expected truncated document to be invalid")
	}
}

func TestEncode(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Encode(buf, testPayload{SessionID: "s2"}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "\n") {
		t.Fatalf("expected newline-terminated output, got %q", buf.String())
	}
}

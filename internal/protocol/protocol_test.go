package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

func TestFrameRoundTrip(t *testing.T) {
	frame, err := NewInvocation("inv-1", MethodGetThreadHistory, "support", "alice", 1, 50)
	if err != nil {
		t.Fatalf("failed to build invocation: %v", err)
	}

	data, err := frame.Encode()
	if err != nil {
		t.Fatalf("failed to encode frame: %v", err)
	}

	parsed, err := Decode(data)
	if err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}

	if parsed.Type != FrameInvocation || parsed.Target != MethodGetThreadHistory || parsed.InvocationID != "inv-1" {
		t.Errorf("frame mismatch: %+v", parsed)
	}

	var page int
	if err := parsed.Arg(2, &page); err != nil {
		t.Fatalf("failed to decode argument: %v", err)
	}
	if page != 1 {
		t.Errorf("expected page 1, got %d", page)
	}

	if err := parsed.Arg(7, &page); err == nil {
		t.Error("expected error for missing argument")
	}
}

func TestDecodeRejectsUntypedFrames(t *testing.T) {
	if _, err := Decode([]byte(`{"target":"ReceiveMessage"}`)); err == nil {
		t.Error("expected error for frame without type")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid json")
	}
}

func TestNewCompletion(t *testing.T) {
	ok, err := NewCompletion("a", SendResult{ThreadID: "t-9"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result SendResult
	if err := json.Unmarshal(ok.Result, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if result.ThreadID != "t-9" {
		t.Errorf("expected thread t-9, got %s", result.ThreadID)
	}

	failed, err := NewCompletion("b", SendResult{ThreadID: "ignored"}, errors.New("agent offline"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failed.Error != "agent offline" || failed.Result != nil {
		t.Errorf("unexpected failed completion: %+v", failed)
	}
}

func TestRawDirection(t *testing.T) {
	cases := []struct {
		input string
		want  model.Direction
		ok    bool
	}{
		{`0`, model.DirectionInbound, true},
		{`1`, model.DirectionOutbound, true},
		{`2`, model.DirectionHandover, true},
		{`"Incoming"`, model.DirectionInbound, true},
		{`"outgoing"`, model.DirectionOutbound, true},
		{`"Outbound"`, model.DirectionOutbound, true},
		{`"Handover"`, model.DirectionHandover, true},
		{`7`, "", false},
		{`"sideways"`, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			var d RawDirection
			if err := json.Unmarshal([]byte(tc.input), &d); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, ok := d.Canonical()
			if ok != tc.ok || got != tc.want {
				t.Errorf("Canonical() = (%s, %v), want (%s, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}

	var d RawDirection
	if err := json.Unmarshal([]byte(`{}`), &d); err == nil {
		t.Error("expected error for object direction")
	}
}

func TestInboundRequestValidate(t *testing.T) {
	req := InboundRequest{Agent: "support", ParticipantID: "alice", Content: "hi"}
	if err := req.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	for _, bad := range []InboundRequest{
		{ParticipantID: "alice", Content: "hi"},
		{Agent: "support", Content: "hi"},
		{Agent: "support", ParticipantID: "alice"},
	} {
		if err := bad.Validate(); err == nil {
			t.Errorf("expected validation error for %+v", bad)
		}
	}
}

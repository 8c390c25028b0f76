package session

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseStream(t *testing.T) {
	tests := []struct {
		name    string
		want    Stream
		wantErr bool
	}{
		{"stdout", Stdout, false},
		{"stderr", Stderr, false},
		{"lifecycle", Lifecycle, false},
		{"STDOUT", 0, true},
		{"", 0, true},
		{"events", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseStream(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStream(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseStream(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMessageJSON(t *testing.T) {
	m := Message{
		AgentID: "a1",
		Stream:  Stderr,
		Seq:     7,
		Payload: "compile error",
		Ts:      time.Unix(1700000000, 0).UTC(),
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"stream":"stderr"`) {
		t.Errorf("stream not marshaled by name: %s", data)
	}
	if strings.Contains(string(data), "dropped_count") {
		t.Errorf("zero dropped_count should be omitted: %s", data)
	}
	if strings.Contains(string(data), `"kind"`) {
		t.Errorf("empty kind should be omitted: %s", data)
	}

	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Stream != Stderr || back.Seq != 7 || back.AgentID != "a1" {
		t.Errorf("round trip mismatch: %+v", back)
	}
}

func TestGapMarkerJSON(t *testing.T) {
	m := Message{
		AgentID:      "a1",
		Stream:       Lifecycle,
		Kind:         KindGap,
		Seq:          0,
		Ts:           time.Now(),
		DroppedCount: 42,
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"dropped_count":42`) {
		t.Errorf("gap marker missing dropped_count: %s", data)
	}
	if !strings.Contains(string(data), `"kind":"gap"`) {
		t.Errorf("gap marker missing kind: %s", data)
	}
}

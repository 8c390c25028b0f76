package ws

import (
	"github.com/stravinsky/mux/internal/session"
)

// Outbound data frames are the session.Message shape itself (agent_id,
// stream, seq, payload, ts, plus kind/dropped_count on lifecycle messages).
// The only envelope frame is the snapshot sent once at connect time, which
// announces the currently known agents: existence only, no message replay.

type FrameType string

const FrameSnapshot FrameType = "snapshot"

type SnapshotFrame struct {
	Type   FrameType           `json:"type"`
	Agents []session.AgentInfo `json:"agents"`
}

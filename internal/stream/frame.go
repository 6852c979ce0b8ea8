package stream

import (
	v1 "github.com/kandev/broker/pkg/api/v1"
)

// frameType distinguishes the two frame shapes a client ever receives over
// the stream: a full snapshot on connect/resync, and individual sequenced
// events afterward.
type frameType string

const (
	frameSyncFull frameType = "sync:full"
	frameEvent    frameType = "event"
)

// snapshotFrame carries the current tasks/agents snapshot tagged with the
// max seq at the moment it was taken, per §6.3.
type snapshotFrame struct {
	Type   frameType   `json:"type"`
	Tasks  []*v1.Task  `json:"tasks"`
	Agents []*v1.Agent `json:"agents"`
	Seq    int64       `json:"seq"`
}

// eventFrame carries one durable, sequenced event row.
type eventFrame struct {
	Type    frameType      `json:"type"`
	Seq     int64          `json:"seq"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

func newEventFrame(e *v1.Event) eventFrame {
	return eventFrame{Type: frameEvent, Seq: e.Seq, Kind: e.Kind, Payload: e.Payload}
}

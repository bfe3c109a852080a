// Package realtime carries live stroke traffic between collaborators over a
// persistent websocket. Frames follow a small text protocol: a command, a
// header map, and an optional JSON body. Strokes and other collaboration
// events ride separate topics so the broker can apply backpressure to each
// independently.
package realtime

import (
	"encoding/json"
	"fmt"
)

type Command string

const (
	CommandConnect    Command = "CONNECT"
	CommandConnected  Command = "CONNECTED"
	CommandSubscribe  Command = "SUBSCRIBE"
	CommandSend       Command = "SEND"
	CommandMessage    Command = "MESSAGE"
	CommandError      Command = "ERROR"
	CommandDisconnect Command = "DISCONNECT"
	CommandHeartbeat  Command = "HEARTBEAT"
)

// Frame is one protocol unit on the wire, JSON-encoded per websocket message.
type Frame struct {
	Command Command           `json:"command"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

func (f Frame) Encode() ([]byte, error) {
	if f.Command == "" {
		return nil, fmt.Errorf("frame has no command")
	}
	return json.Marshal(f)
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Command == "" {
		return Frame{}, fmt.Errorf("frame has no command")
	}
	return f, nil
}

// Subscription topics, one per concern.
func StrokeTopic(projectID string) string {
	return fmt.Sprintf("/topic/project/%s/stroke", projectID)
}

func CollabTopic(projectID string) string {
	return fmt.Sprintf("/topic/project/%s/collab", projectID)
}

// Publish destinations mirroring the topics above.
func StrokeDestination(projectID string) string {
	return fmt.Sprintf("/app/project/%s/stroke", projectID)
}

func CollabDestination(projectID string) string {
	return fmt.Sprintf("/app/project/%s/collab", projectID)
}

// destinationFor routes stroke events to the stroke destination and every
// other event type to the collaboration destination.
func destinationFor(projectID, eventType string) string {
	if eventType == EventTypeStroke {
		return StrokeDestination(projectID)
	}
	return CollabDestination(projectID)
}

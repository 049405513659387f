package relay

import (
	"encoding/json"
	"fmt"
)

const (
	messageTypePing         = "ping"
	messageTypePong         = "pong"
	messageTypeError        = "error"
	messageTypeBoardUpdated = "board_updated"
)

// Action is one frame the relay must enqueue to a set of connections.
type Action struct {
	Targets []*Connection
	Frame   Frame
}

type controlMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// BoardUpdate announces a committed board patch on the tutor channel.
type BoardUpdate struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	BoardVersion int64  `json:"boardVersion"`
	Summary      string `json:"summary"`
}

// DispatchWhiteboard merges an ink update and returns the rebroadcast to every other
// whiteboard peer of the session. The sender is never a target.
func (h *Hub) DispatchWhiteboard(connectionID, sessionID string, payload []byte) ([]Action, error) {
	_, actions, err := h.dispatchWhiteboard(connectionID, sessionID, payload)
	return actions, err
}

func (h *Hub) dispatchWhiteboard(connectionID, sessionID string, payload []byte) ([]byte, []Action, error) {
	broadcast, err := h.engine.ApplyRemoteUpdate(sessionID, payload)
	if err != nil {
		return nil, nil, err
	}
	if broadcast == nil {
		return nil, nil, nil
	}
	return broadcast, h.fanOut(ChannelWhiteboard, sessionID, connectionID, Frame{Binary: true, Data: broadcast}), nil
}

// DispatchTutor answers a control message directly to its sender.
func (h *Hub) DispatchTutor(connectionID, sessionID string, payload []byte) []Action {
	connection, ok := h.registry.Lookup(ChannelTutor, sessionID, connectionID)
	if !ok {
		return nil
	}
	reply := func(message any) []Action {
		encoded, err := json.Marshal(message)
		if err != nil {
			return nil
		}
		return []Action{{Targets: []*Connection{connection}, Frame: Frame{Data: encoded}}}
	}

	var message controlMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return reply(errorMessage{Type: messageTypeError, Detail: fmt.Sprintf("malformed message: %v", err)})
	}
	switch message.Type {
	case messageTypePing:
		return reply(controlMessage{Type: messageTypePong})
	case "":
		return reply(errorMessage{Type: messageTypeError, Detail: "message type is required"})
	default:
		return reply(errorMessage{Type: messageTypeError, Detail: fmt.Sprintf("unsupported message type %q", message.Type)})
	}
}

// BoardChanged builds the notification for every tutor connection of a session.
func (h *Hub) BoardChanged(sessionID string, boardVersion int64, summary string) []Action {
	encoded, err := encodeBoardUpdate(sessionID, boardVersion, summary)
	if err != nil {
		return nil
	}
	return h.fanOut(ChannelTutor, sessionID, "", Frame{Data: encoded})
}

func encodeBoardUpdate(sessionID string, boardVersion int64, summary string) ([]byte, error) {
	return json.Marshal(BoardUpdate{
		Type:         messageTypeBoardUpdated,
		SessionID:    sessionID,
		BoardVersion: boardVersion,
		Summary:      summary,
	})
}

func (h *Hub) fanOut(channel Channel, sessionID, excludeID string, frame Frame) []Action {
	peers := h.registry.Peers(channel, sessionID, excludeID)
	if len(peers) == 0 {
		return nil
	}
	return []Action{{Targets: peers, Frame: frame}}
}

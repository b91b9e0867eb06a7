package mesh

import (
	"encoding/json"
)

// Message types exchanged with the coordinator over the mesh websocket.
const (
	TypeRegister     = "register"
	TypeRegistered   = "registered"
	TypeHeartbeat    = "heartbeat"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeDisconnect   = "disconnect"
	TypeError        = "error"
)

// WSMessage is the JSON message format for WebSocket communication.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WSResponse is a JSON message sent by this node.
type WSResponse struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// RegisterPayload announces the node when a connection is opened.
type RegisterPayload struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Version   string    `json:"version,omitempty"`
	Telemetry Telemetry `json:"telemetry"`
}

// HeartbeatPayload is sent on every heartbeat tick.
type HeartbeatPayload struct {
	ID        string    `json:"id"`
	Telemetry Telemetry `json:"telemetry"`
}

// ErrorPayload carries a coordinator-side error.
type ErrorPayload struct {
	Error string `json:"error"`
}

package hub

import "encoding/json"

// clientMessage is the JSON control protocol on text frames. Raw keystrokes
// may arrive either as binary frames or as input messages.
type clientMessage struct {
	Type  string `json:"type"`
	Data  string `json:"data,omitempty"`
	Cols  uint16 `json:"cols,omitempty"`
	Rows  uint16 `json:"rows,omitempty"`
	Index int    `json:"index,omitempty"`
}

const (
	msgInput        = "input"
	msgResize       = "resize"
	msgNewWindow    = "new-window"
	msgSelectWindow = "select-window"
)

func parseClientMessage(data []byte) (clientMessage, bool) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return clientMessage{}, false
	}

	switch msg.Type {
	case msgInput, msgNewWindow, msgSelectWindow:
		return msg, true
	case msgResize:
		if msg.Cols == 0 || msg.Rows == 0 {
			return clientMessage{}, false
		}
		return msg, true
	}
	return clientMessage{}, false
}

// serverNotice is the JSON envelope for out-of-band events pushed to the
// client; terminal output itself travels in binary frames.
type serverNotice struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

const (
	noticeError           = "error"
	noticeTopologyChanged = "topology-changed"
	noticeSessionAttached = "attached"
)

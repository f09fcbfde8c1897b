package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeStart       MessageType = "start"
	TypeStop        MessageType = "stop"
	TypeTaskStarted MessageType = "task_started"
	TypeTaskStopped MessageType = "task_stopped"
	TypeLog         MessageType = "log"
	TypeError       MessageType = "error"
)

// ClockFormat is the 12-hour wall clock used for log times.
const ClockFormat = "3:04:05 pm"

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Seconds decodes a JSON number or a numeric string. Anything unparsable
// decodes to zero.
type Seconds int

func (s *Seconds) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		*s = 0
		return nil
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return err
		}
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		*s = 0
		return nil
	}
	*s = Seconds(f)
	return nil
}

type StartRequest struct {
	Type           MessageType `json:"type"`
	CookieContent  string      `json:"cookieContent"`
	MessageContent string      `json:"messageContent"`
	HatersName     string      `json:"hatersName"`
	LastHereName   string      `json:"lastHereName"`
	ThreadID       string      `json:"threadID"`
	Delay          Seconds     `json:"delay"`
}

type StopRequest struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"taskId"`
}

type TaskStarted struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"taskId"`
}

type TaskStopped struct {
	Type   MessageType `json:"type"`
	TaskID string      `json:"taskId"`
}

type LogEvent struct {
	Type        MessageType `json:"type"`
	Time        string      `json:"time"`
	Message     string      `json:"message"`
	MessageType string      `json:"messageType"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func NewLogEvent(at time.Time, message, severity string) LogEvent {
	if severity == "" {
		severity = "info"
	}
	return LogEvent{Type: TypeLog, Time: at.Format(ClockFormat), Message: message, MessageType: severity}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStart:
		var msg StartRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStop:
		var msg StopRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.TaskID = strings.TrimSpace(msg.TaskID)
		if msg.TaskID == "" {
			return nil, errors.New("invalid stop: taskId is required")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

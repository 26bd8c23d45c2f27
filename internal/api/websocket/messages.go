package websocket

import "time"

type MessageType string

const (
	MessageTypeSample      MessageType = "sample"
	MessageTypeRunState    MessageType = "run_state"
	MessageTypeMonitor     MessageType = "monitor"
	MessageTypeDevice      MessageType = "device"
	MessageTypeControllers MessageType = "controllers"
)

type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

type SampleData struct {
	RunID  string `json:"run_id"`
	Index  int    `json:"index"`
	Values any    `json:"values"`
}

type RunStateData struct {
	RunID    string `json:"run_id"`
	State    string `json:"state"`
	Previous string `json:"previous_state,omitempty"`
	Samples  int    `json:"samples"`
	Error    string `json:"error,omitempty"`
}

type DeviceData struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	Enabled   bool   `json:"enabled"`
}

type ControllersData struct {
	Active       int  `json:"active"`
	Controllable bool `json:"controllable"`
}

func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewSampleMessage(runID string, index int, values any) Message {
	return NewMessage(MessageTypeSample, SampleData{RunID: runID, Index: index, Values: values})
}

func NewRunStateMessage(data RunStateData) Message {
	return NewMessage(MessageTypeRunState, data)
}

func NewControllersMessage(active int, controllable bool) Message {
	return NewMessage(MessageTypeControllers, ControllersData{Active: active, Controllable: controllable})
}

package domain

import "time"

// EventType 运行过程中对外广播的事件类型
type EventType string

const (
	EventStateChanged     EventType = "state_changed"
	EventLog              EventType = "log"
	EventScriptError      EventType = "script_error"
	EventTransferStarted  EventType = "transfer_started"
	EventTransferFinished EventType = "transfer_finished"
	EventTransferFailed   EventType = "transfer_failed"
	EventArtifactStaged   EventType = "artifact_staged"
	EventDumpDone         EventType = "dump_done"
	EventRunCompleted     EventType = "run_completed"
)

// Event 状态页 websocket 与消息队列共用的事件结构
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Status    RunStatus `json:"status,omitempty"`
	Name      string    `json:"name,omitempty"`
	Path      string    `json:"path,omitempty"`
	Message   string    `json:"message,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink 事件接收方，实现必须非阻塞
type EventSink interface {
	Publish(event Event)
}

// EventSinkFunc 函数适配器
type EventSinkFunc func(event Event)

// Publish 实现 EventSink
func (f EventSinkFunc) Publish(event Event) {
	f(event)
}

// NopSink 丢弃所有事件
type NopSink struct{}

// Publish 实现 EventSink
func (NopSink) Publish(Event) {}

// MultiSink 依次转发给多个接收方
type MultiSink []EventSink

// Publish 实现 EventSink
func (m MultiSink) Publish(event Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(event)
		}
	}
}

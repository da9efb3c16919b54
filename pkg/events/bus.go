package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// defaultBufferSize is each subscriber's channel capacity. A subscriber that
// falls this far behind starts losing events.
const defaultBufferSize = 64

// Event is the envelope delivered to subscribers.
type Event struct {
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Bus is an in-process publish/subscribe hub keyed by channel name.
// Publishing to a channel with no subscribers is a no-op, and a nil *Bus
// no-ops everywhere, so components take the bus without nil checks.
//
// Each public Publish method accepts a specific typed payload struct — see
// payloads.go.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]*subscriber
	nextID     int
	bufferSize int
}

type subscriber struct {
	id int
	ch chan Event
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subs:       make(map[string][]*subscriber),
		bufferSize: defaultBufferSize,
	}
}

// Subscribe registers for a channel's events. The returned cancel func
// unsubscribes and closes the event channel; it is safe to call twice.
func (b *Bus) Subscribe(channel string) (<-chan Event, func()) {
	if b == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan Event, b.bufferSize)}
	b.subs[channel] = append(b.subs[channel], sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			list := b.subs[channel]
			for i, s := range list {
				if s.id == sub.id {
					b.subs[channel] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
			close(sub.ch)
		})
	}

	return sub.ch, cancel
}

// publish marshals the payload and fans it out to the channel's subscribers.
// Sends never block: a full subscriber buffer drops the event with a warning.
func (b *Bus) publish(channel, eventType string, payload any) {
	if b == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Failed to encode event payload",
			"channel", channel, "type", eventType, "error", err)
		return
	}

	event := Event{
		Channel:   channel,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}

	// Snapshot under the read lock, send outside it.
	b.mu.RLock()
	snapshot := make([]*subscriber, len(b.subs[channel]))
	copy(snapshot, b.subs[channel])
	b.mu.RUnlock()

	for _, sub := range snapshot {
		select {
		case sub.ch <- event:
		default:
			slog.Warn("Dropping event for slow subscriber",
				"channel", channel, "type", eventType)
		}
	}
}

// stamp returns the RFC3339Nano timestamp payloads carry.
func stamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// PublishSessionStatus publishes a session.status event to the session's
// channel and to the global sessions channel.
func (b *Bus) PublishSessionStatus(sessionID string, status SessionStatusPayload) {
	status.Type = EventTypeSessionStatus
	status.SessionID = sessionID
	if status.Timestamp == "" {
		status.Timestamp = stamp()
	}
	b.publish(SessionChannel(sessionID), EventTypeSessionStatus, status)
	b.publish(GlobalSessionsChannel, EventTypeSessionStatus, status)
}

// PublishIterationStarted publishes an iteration.started event.
func (b *Bus) PublishIterationStarted(sessionID string, payload IterationPayload) {
	payload.Type = EventTypeIterationStarted
	payload.SessionID = sessionID
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	b.publish(SessionChannel(sessionID), EventTypeIterationStarted, payload)
}

// PublishIterationCompleted publishes an iteration.completed event.
func (b *Bus) PublishIterationCompleted(sessionID string, payload IterationPayload) {
	payload.Type = EventTypeIterationCompleted
	payload.SessionID = sessionID
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	b.publish(SessionChannel(sessionID), EventTypeIterationCompleted, payload)
}

// PublishStepStatus publishes a step.status event.
func (b *Bus) PublishStepStatus(sessionID string, payload StepStatusPayload) {
	payload.Type = EventTypeStepStatus
	payload.SessionID = sessionID
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	b.publish(SessionChannel(sessionID), EventTypeStepStatus, payload)
}

// PublishApprovalRequested publishes an approval.requested event to the
// session channel and the global sessions channel, where approval UIs listen.
func (b *Bus) PublishApprovalRequested(sessionID string, payload ApprovalRequestPayload) {
	payload.Type = EventTypeApprovalRequested
	payload.SessionID = sessionID
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	b.publish(SessionChannel(sessionID), EventTypeApprovalRequested, payload)
	b.publish(GlobalSessionsChannel, EventTypeApprovalRequested, payload)
}

// PublishApprovalResolved publishes an approval.resolved event.
func (b *Bus) PublishApprovalResolved(sessionID string, payload ApprovalResponsePayload) {
	payload.Type = EventTypeApprovalResolved
	payload.SessionID = sessionID
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	b.publish(SessionChannel(sessionID), EventTypeApprovalResolved, payload)
}

// PublishScheduleDispatch publishes a schedule.dispatch event to the global
// schedules channel.
func (b *Bus) PublishScheduleDispatch(payload ScheduleDispatchPayload) {
	payload.Type = EventTypeScheduleDispatch
	if payload.Timestamp == "" {
		payload.Timestamp = stamp()
	}
	b.publish(GlobalSchedulesChannel, EventTypeScheduleDispatch, payload)
}

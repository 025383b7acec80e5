// Package events implements the in-process event bus connecting the upload
// engine to its observers (the WebSocket surface and the CLI progress view).
// Workers and the supervisor publish; observers subscribe. No component holds
// a back-pointer into an observer.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanlift/lanlift/internal/constants"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	EventProgress EventType = "progress" // Periodic transfer progress
	EventChunk    EventType = "chunk"    // Per-part state change
	EventStatus   EventType = "status"   // Job-level status transition
	EventError    EventType = "error"    // Job-level error with code
)

// ChunkStatus values mirror the per-part states pushed to monitors.
const (
	ChunkUploading = "uploading"
	ChunkCompleted = "completed"
	ChunkFailed    = "failed"
)

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// ProgressEvent represents periodic progress updates for an active job.
type ProgressEvent struct {
	BaseEvent
	UploadID         string
	Percent          float64
	Speed            float64 // bytes/sec
	ETA              float64 // seconds, 0 when speed is 0
	BytesTransferred int64
	TotalBytes       int64
	ActiveThreads    int
	CompletedParts   int
	TotalParts       int
}

// ChunkEvent represents a single part changing state.
type ChunkEvent struct {
	BaseEvent
	UploadID   string
	PartNumber int
	Status     string // ChunkUploading, ChunkCompleted, ChunkFailed
	ETag       string // set when Status is ChunkCompleted
}

// StatusEvent represents a job status transition.
type StatusEvent struct {
	BaseEvent
	UploadID string
	Status   string
	Message  string
}

// ErrorEvent represents a job-level error condition.
type ErrorEvent struct {
	BaseEvent
	UploadID string
	Err      error
	Code     string
}

// Bus manages event subscriptions and publishing
type Bus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event // Subscribers to all events
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64 // Count of dropped events due to full buffers
}

// NewBus creates a new event bus with the specified per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	if bufferSize > constants.EventBusMaxBuffer {
		bufferSize = constants.EventBusMaxBuffer
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		all:         make([]chan Event, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, b.bufferSize)
	b.all = append(b.all, ch)
	return ch
}

// Publish sends an event to all subscribers without blocking. Events are
// dropped when a subscriber's buffer is full; monitors catch up from the
// next progress tick.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			b.droppedEvents.Add(1)
		}
	}

	for _, ch := range b.all {
		select {
		case ch <- event:
		default:
			b.droppedEvents.Add(1)
		}
	}
}

// Close shuts down the event bus and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}

// Unsubscribe removes a subscription channel from a specific event type.
func (b *Bus) Unsubscribe(eventType EventType, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	subscribers := b.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			b.subscribers[eventType] = subscribers[:len(subscribers)-1]
			break
		}
	}
}

// UnsubscribeAll removes a subscription channel from every event type and
// from the all-events list.
func (b *Bus) UnsubscribeAll(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for eventType, subscribers := range b.subscribers {
		for i, subCh := range subscribers {
			if subCh == ch {
				subscribers[i] = subscribers[len(subscribers)-1]
				b.subscribers[eventType] = subscribers[:len(subscribers)-1]
				break
			}
		}
	}

	for i, subCh := range b.all {
		if subCh == ch {
			b.all[i] = b.all[len(b.all)-1]
			b.all = b.all[:len(b.all)-1]
			break
		}
	}
}

// PublishChunk is a convenience method for publishing chunk events.
func (b *Bus) PublishChunk(uploadID string, partNumber int, status, etag string) {
	b.Publish(&ChunkEvent{
		BaseEvent:  BaseEvent{EventType: EventChunk, Time: time.Now()},
		UploadID:   uploadID,
		PartNumber: partNumber,
		Status:     status,
		ETag:       etag,
	})
}

// PublishStatus is a convenience method for publishing status events.
func (b *Bus) PublishStatus(uploadID, status, message string) {
	b.Publish(&StatusEvent{
		BaseEvent: BaseEvent{EventType: EventStatus, Time: time.Now()},
		UploadID:  uploadID,
		Status:    status,
		Message:   message,
	})
}

// PublishError is a convenience method for publishing error events.
func (b *Bus) PublishError(uploadID, code string, err error) {
	b.Publish(&ErrorEvent{
		BaseEvent: BaseEvent{EventType: EventError, Time: time.Now()},
		UploadID:  uploadID,
		Err:       err,
		Code:      code,
	})
}

// DroppedEventCount returns the total number of events dropped due to full
// subscriber buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

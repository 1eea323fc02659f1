package backup

import (
	"context"
	"fmt"
)

// EventKind identifies a notification sent by a running batch.
type EventKind int

const (
	// EventTotalSize carries the declared size of the whole batch in Bytes.
	EventTotalSize EventKind = iota
	// EventStatus carries a human-readable Message.
	EventStatus
	// EventDeviceMounted carries the device being captured in Path.
	EventDeviceMounted
	// EventProgress carries the number of artifact bytes written since the
	// previous progress event in Bytes.
	EventProgress
	// EventImageAvailable carries the path of a rewritten os.json in Path.
	EventImageAvailable
	// EventCompleted carries the number of failed images in Failures. It is
	// always the last event of a batch.
	EventCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventTotalSize:
		return "total-size"
	case EventStatus:
		return "status"
	case EventDeviceMounted:
		return "device-mounted"
	case EventProgress:
		return "progress"
	case EventImageAvailable:
		return "image-available"
	case EventCompleted:
		return "completed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a notification from the batch worker to its caller.
type Event struct {
	Kind     EventKind
	Message  string
	Path     string
	Bytes    int64
	Failures int
}

// Notifier receives events. It is called on the worker goroutine and must
// not block.
type Notifier func(Event)

func (n Notifier) emit(ev Event) {
	if n != nil {
		n(ev)
	}
}

func (n Notifier) status(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Info().Msg(msg)
	n.emit(Event{Kind: EventStatus, Message: msg})
}

// Events delivers the events of stream to callback until the stream is
// closed or ctx is done.
func Events(ctx context.Context, stream <-chan Event, callback func(Event)) {
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Returning from event loop...")
			return
		case e, ok := <-stream:
			if !ok {
				log.Debug().Msg("Event stream is closed. Exiting...")
				return
			}
			callback(e)
		}
	}
}

package backup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "total-size", EventTotalSize.String())
	assert.Equal(t, "device-mounted", EventDeviceMounted.String())
	assert.Equal(t, "completed", EventCompleted.String())
	assert.Equal(t, "EventKind(42)", EventKind(42).String())
}

func TestNilNotifier(t *testing.T) {
	var n Notifier
	assert.NotPanics(t, func() {
		n.emit(Event{Kind: EventProgress})
		n.status("%s: Planning partitions", "x")
	})
}

func TestEventsStopsOnCancel(t *testing.T) {
	stream := make(chan Event)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	Events(ctx, stream, func(Event) { called = true })
	assert.False(t, called)
}

func TestEventsDrainsStream(t *testing.T) {
	stream := make(chan Event, 2)
	stream <- Event{Kind: EventStatus, Message: "a"}
	stream <- Event{Kind: EventCompleted}
	close(stream)

	var got []EventKind
	Events(context.Background(), stream, func(e Event) { got = append(got, e.Kind) })
	assert.Equal(t, []EventKind{EventStatus, EventCompleted}, got)
}

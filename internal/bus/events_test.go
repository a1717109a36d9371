package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := New(testLogger())

	var received int32
	eb.On(EventExchangeStarted, func(e Event) {
		atomic.AddInt32(&received, 1)
		if e.ConversationID != "c1" {
			t.Errorf("ConversationID: got %q", e.ConversationID)
		}
	})

	eb.Emit(Event{Type: EventExchangeStarted, ConversationID: "c1", ExchangeID: "e1"})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := New(testLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventExchangeCompleted})
	eb.Emit(Event{Type: EventExchangeFailed})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_EmitAsyncDoesNotBlockCaller(t *testing.T) {
	eb := New(testLogger())

	release := make(chan struct{})
	delivered := make(chan Event, 1)
	eb.On(EventExchangeRejected, func(e Event) {
		<-release
		delivered <- e
	})

	eb.EmitAsync(Event{Type: EventExchangeRejected, Reason: "rate limited"})
	close(release) // a synchronous Emit would never reach this line

	select {
	case e := <-delivered:
		if e.Reason != "rate limited" {
			t.Errorf("Reason: got %q", e.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("async event never delivered")
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := New(testLogger())

	var count int32
	id := eb.On(EventExchangeStarted, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventExchangeStarted})
	eb.Off(EventExchangeStarted, id)
	eb.Emit(Event{Type: EventExchangeStarted})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_PanickingHandlerDoesNotStopDispatch(t *testing.T) {
	eb := New(testLogger())

	var count int32
	eb.On(EventExchangeFailed, func(e Event) { panic("boom") })
	eb.On(EventExchangeFailed, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventExchangeFailed, Reason: "quota exceeded"})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected handler after panic to run, got %d", count)
	}
}

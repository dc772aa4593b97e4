package hub

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-pulse/internal/models"
)

type fakeSink struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
	block  chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{}
}

func (f *fakeSink) WriteFrame(frame Frame) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) waitFrames(t *testing.T, want int) []Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.frames)
		frames := make([]Frame, n)
		copy(frames, f.frames)
		f.mu.Unlock()
		if n >= want {
			return frames
		}
		select {
		case <-deadline:
			t.Fatalf("got %d frames, want %d", n, want)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (f *fakeSink) frameTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, fr := range f.frames {
		out[i] = fr.Type
	}
	return out
}

func TestAttachSendsGreeting(t *testing.T) {
	h := New(nil, time.Minute)
	sink := newFakeSink()

	session := h.Attach(sink)
	defer h.Detach(session)

	frames := sink.waitFrames(t, 1)
	if frames[0].Type != FrameConnection {
		t.Fatalf("first frame = %s, want connection", frames[0].Type)
	}
	if h.Sessions() != 1 {
		t.Fatalf("sessions = %d, want 1", h.Sessions())
	}
}

func TestPublishEventChannelFilter(t *testing.T) {
	h := New(nil, time.Minute)

	checkoutSink := newFakeSink()
	checkout := h.Attach(checkoutSink)
	h.Subscribe(checkout, []string{"checkout"})

	allSink := newFakeSink()
	all := h.Attach(allSink)
	h.Subscribe(all, nil) // empty set means all channels

	otherSink := newFakeSink()
	other := h.Attach(otherSink)
	h.Subscribe(other, []string{"billing"})

	defer func() {
		h.Detach(checkout)
		h.Detach(all)
		h.Detach(other)
	}()

	h.PublishEvent(models.Event{EventID: "evt_1", Service: "checkout"})

	// greeting + subscribed + event
	frames := checkoutSink.waitFrames(t, 3)
	if frames[2].Type != FrameEvent {
		t.Errorf("checkout frames = %v", checkoutSink.frameTypes())
	}
	allSink.waitFrames(t, 3)

	// The billing subscriber must only have greeting + subscribed.
	time.Sleep(20 * time.Millisecond)
	if types := otherSink.frameTypes(); len(types) != 2 {
		t.Errorf("billing subscriber frames = %v, want no event", types)
	}
}

func TestPublishIncidentIgnoresChannels(t *testing.T) {
	h := New(nil, time.Minute)
	sink := newFakeSink()
	session := h.Attach(sink)
	h.Subscribe(session, []string{"some-other-service"})
	defer h.Detach(session)

	h.PublishIncident(models.Incident{IncidentID: "inc_1"}, models.ActionCreated)

	frames := sink.waitFrames(t, 3)
	last := frames[2]
	if last.Type != FrameIncident || last.Action != models.ActionCreated {
		t.Fatalf("incident frame = %+v", last)
	}
}

func TestPauseSuppressesEventsOnly(t *testing.T) {
	h := New(nil, time.Minute)
	sink := newFakeSink()
	session := h.Attach(sink)
	sink.waitFrames(t, 1)

	h.Pause(session, time.Now())
	h.PublishEvent(models.Event{EventID: "evt_1", Service: "checkout"})
	h.PublishIncident(models.Incident{IncidentID: "inc_1"}, models.ActionUpdated)

	frames := sink.waitFrames(t, 2)
	if frames[1].Type != FrameIncident {
		t.Fatalf("paused session frames = %v, want incident only", sink.frameTypes())
	}

	h.Resume(session)
	h.PublishEvent(models.Event{EventID: "evt_2", Service: "checkout"})
	frames = sink.waitFrames(t, 3)
	if frames[2].Type != FrameEvent {
		t.Fatalf("resumed session frames = %v", sink.frameTypes())
	}
	h.Detach(session)
}

func TestControlMessages(t *testing.T) {
	h := New(nil, time.Minute)
	sink := newFakeSink()
	session := h.Attach(sink)
	defer h.Detach(session)

	h.HandleControl(session, []byte(`{"type":"subscribe","channels":["checkout","billing"]}`))
	h.HandleControl(session, []byte(`{"type":"ping"}`))
	h.HandleControl(session, []byte(`{"type":"bogus"}`))
	h.HandleControl(session, []byte(`not json`))

	frames := sink.waitFrames(t, 5)

	if frames[1].Type != FrameSubscribed || len(frames[1].Channels) != 2 {
		t.Errorf("subscribed frame = %+v", frames[1])
	}
	if frames[2].Type != FramePong {
		t.Errorf("pong frame = %+v", frames[2])
	}
	if frames[3].Type != FrameError || frames[4].Type != FrameError {
		t.Errorf("error frames = %v", sink.frameTypes())
	}
	if h.Sessions() != 1 {
		t.Errorf("unknown control type terminated session")
	}
}

func TestSlowSessionReaped(t *testing.T) {
	h := New(nil, time.Minute)
	sink := newFakeSink()
	sink.block = make(chan struct{})
	h.Attach(sink)

	// Writer is stuck on the greeting; fill the outbound buffer.
	for i := 0; i < outBufferSize+2; i++ {
		h.PublishEvent(models.Event{EventID: "evt", Service: "checkout"})
	}

	deadline := time.After(2 * time.Second)
	for h.Sessions() != 0 {
		select {
		case <-deadline:
			t.Fatalf("slow session never reaped, sessions = %d", h.Sessions())
		case <-time.After(2 * time.Millisecond):
		}
	}
	close(sink.block)
}

func TestFrameOrderPerSession(t *testing.T) {
	h := New(nil, time.Minute)
	sink := newFakeSink()
	session := h.Attach(sink)
	defer h.Detach(session)

	for i := 0; i < 50; i++ {
		h.PublishEvent(models.Event{EventID: eventID(i), Service: "checkout"})
	}

	frames := sink.waitFrames(t, 51)
	for i, frame := range frames[1:] {
		event := frame.Data.(models.Event)
		if event.EventID != eventID(i) {
			t.Fatalf("frame %d out of order: %s", i, event.EventID)
		}
	}
}

func eventID(i int) string {
	return fmt.Sprintf("evt_%d", i)
}

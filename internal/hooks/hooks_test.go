package hooks

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Masterminds/semver/v3"

	"github.com/bytesonus/juno/internal/idgen"
	"github.com/bytesonus/juno/internal/registry"
	"github.com/bytesonus/juno/internal/wire"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []wire.Frame
	closed bool
	fail   bool
}

func (f *fakeSender) Send(fr wire.Frame) error {
	if f.fail {
		return errors.New("send failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSender) Close() error {
	f.closed = true
	return nil
}

func newModule(t *testing.T, id string, send registry.Sender) *registry.Module {
	t.Helper()
	v, err := semver.NewVersion("1.0.0")
	if err != nil {
		t.Fatalf("semver.NewVersion: %v", err)
	}
	return registry.NewModule(id, v, map[string]*semver.Constraints{}, idgen.ConnID{1}, send)
}

func TestBroadcastOnlyDeliversToSubscribers(t *testing.T) {
	d := NewDispatcher(idgen.NewRequestIDGenerator("broker"))

	subSender := &fakeSender{}
	sub := newModule(t, "sub", subSender)
	sub.RegisterHook("emitter.evt")

	notSubSender := &fakeSender{}
	notSub := newModule(t, "notsub", notSubSender)

	d.Broadcast("emitter", "evt", json.RawMessage(`{"x":1}`), []*registry.Module{sub, notSub})

	if len(subSender.frames) != 1 {
		t.Fatalf("subscriber should receive exactly one frame, got %d", len(subSender.frames))
	}
	if subSender.frames[0].Hook != "emitter.evt" {
		t.Fatalf("delivered hook name = %q, want emitter.evt", subSender.frames[0].Hook)
	}
	if len(notSubSender.frames) != 0 {
		t.Fatalf("non-subscriber should receive nothing, got %d frames", len(notSubSender.frames))
	}
}

func TestBroadcastSkipsPseudoModule(t *testing.T) {
	d := NewDispatcher(idgen.NewRequestIDGenerator("broker"))
	pseudo := newModule(t, "broker", nil)
	pseudo.RegisterHook("emitter.evt")

	// Must not panic despite Send being nil.
	d.Broadcast("emitter", "evt", nil, []*registry.Module{pseudo})
}

func TestDeliverForcedIgnoresSubscription(t *testing.T) {
	d := NewDispatcher(idgen.NewRequestIDGenerator("broker"))
	s := &fakeSender{}
	m := newModule(t, "target", s)

	d.DeliverForced(m, "broker.activated", nil)

	if len(s.frames) != 1 || s.frames[0].Hook != "broker.activated" {
		t.Fatalf("expected a single forced delivery of broker.activated, got %+v", s.frames)
	}
	if string(s.frames[0].Data) != "{}" {
		t.Fatalf("nil data should default to {}, got %s", s.frames[0].Data)
	}
}

func TestDeliverForcedNilRecipientIsNoop(t *testing.T) {
	d := NewDispatcher(idgen.NewRequestIDGenerator("broker"))
	d.DeliverForced(nil, "broker.activated", nil)
}

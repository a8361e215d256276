package dispatcher

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"

	"github.com/bytesonus/juno/internal/connledger"
	"github.com/bytesonus/juno/internal/depengine"
	"github.com/bytesonus/juno/internal/hooks"
	"github.com/bytesonus/juno/internal/idgen"
	"github.com/bytesonus/juno/internal/originledger"
	"github.com/bytesonus/juno/internal/registry"
	"github.com/bytesonus/juno/internal/wire"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []wire.Frame
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

func (f *fakeSender) Close() error { return nil }

func (f *fakeSender) last() wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return wire.Frame{}
	}
	return f.frames[len(f.frames)-1]
}

func (f *fakeSender) first() wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return wire.Frame{}
	}
	return f.frames[0]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newTestDispatcher() *Dispatcher {
	reg := registry.New()
	conns := connledger.New()
	origins := originledger.New()
	reqIDs := idgen.NewRequestIDGenerator("broker")
	h := hooks.NewDispatcher(reqIDs)
	dep := depengine.New("broker", h, zerolog.Nop(), nil)
	return New(reg, conns, origins, dep, h, "broker", zerolog.Nop(), nil)
}

func registerModule(t *testing.T, d *Dispatcher, connID idgen.ConnID, moduleID, version string, deps map[string]string) *fakeSender {
	t.Helper()
	s := &fakeSender{}
	frame := map[string]interface{}{
		"type":      wire.TypeRegisterModuleRequest,
		"requestId": "reg-" + moduleID,
		"moduleId":  moduleID,
		"version":   version,
	}
	// A nil map marshals to JSON null, which the dispatcher rejects as
	// MALFORMED_REQUEST; "no dependencies" is sent by omitting the field.
	if len(deps) > 0 {
		depsRaw, err := json.Marshal(deps)
		if err != nil {
			t.Fatalf("json.Marshal(deps): %v", err)
		}
		frame["dependencies"] = json.RawMessage(depsRaw)
	}
	raw, _ := json.Marshal(frame)
	parsed, ok := wire.Parse(raw)
	if !ok {
		t.Fatalf("wire.Parse failed on constructed register frame")
	}
	d.HandleFrame(connID, parsed, s)
	return s
}

func parseFrame(t *testing.T, fields map[string]interface{}) wire.Parsed {
	t.Helper()
	raw, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	p, ok := wire.Parse(raw)
	if !ok {
		t.Fatalf("wire.Parse failed on %v", fields)
	}
	return p
}

func TestRegisterModuleNoDepsRegistersImmediately(t *testing.T) {
	d := newTestDispatcher()
	s := registerModule(t, d, idgen.ConnID{1}, "alpha", "1.0.0", nil)

	// The register response comes first; the forced broker.activated hook
	// follows it.
	resp := s.first()
	if resp.Type != wire.TypeRegisterModuleResponse || resp.Error != nil {
		t.Fatalf("expected a successful RegisterModuleResponse, got %+v", resp)
	}
	if _, ok := d.Registry.GetRegistered("alpha"); !ok {
		t.Fatalf("alpha should be registered")
	}
}

func TestRegisterModuleDuplicateSameID(t *testing.T) {
	d := newTestDispatcher()
	registerModule(t, d, idgen.ConnID{1}, "alpha", "1.0.0", nil)

	s2 := registerModule(t, d, idgen.ConnID{2}, "alpha", "1.0.0", nil)
	resp := s2.last()
	if resp.Error == nil || *resp.Error != wire.ErrDuplicateModule {
		t.Fatalf("expected DUPLICATE_MODULE, got %+v", resp)
	}
}

func TestRegisterModuleWithDepsStaysUnregistered(t *testing.T) {
	d := newTestDispatcher()
	s := registerModule(t, d, idgen.ConnID{1}, "dependent", "1.0.0", map[string]string{"provider": "^1.0.0"})

	resp := s.last()
	if resp.Error != nil {
		t.Fatalf("register itself should still succeed: %+v", resp)
	}
	if _, ok := d.Registry.GetRegistered("dependent"); ok {
		t.Fatalf("dependent should not be registered before provider exists")
	}
	if _, ok := d.Registry.Get("dependent"); !ok {
		t.Fatalf("dependent should still be tracked in the unregistered pool")
	}
}

func TestRegisterModuleThenProviderPromotesDependent(t *testing.T) {
	d := newTestDispatcher()
	registerModule(t, d, idgen.ConnID{1}, "dependent", "1.0.0", map[string]string{"provider": "^1.0.0"})
	registerModule(t, d, idgen.ConnID{2}, "provider", "1.2.0", nil)

	if _, ok := d.Registry.GetRegistered("dependent"); !ok {
		t.Fatalf("dependent should be promoted once provider registers")
	}
}

func TestDeclareFunctionRequiresRegisteredModule(t *testing.T) {
	d := newTestDispatcher()
	s := &fakeSender{}
	p := parseFrame(t, map[string]interface{}{
		"type": wire.TypeDeclareFunctionRequest, "requestId": "r1", "function": "echo",
	})
	d.HandleFrame(idgen.ConnID{99}, p, s)

	resp := s.last()
	if resp.Error == nil || *resp.Error != wire.ErrUnregisteredModule {
		t.Fatalf("expected UNREGISTERED_MODULE for an unbound connection, got %+v", resp)
	}
}

func TestFunctionCallRoundTrip(t *testing.T) {
	d := newTestDispatcher()
	callerConn := idgen.ConnID{1}
	targetConn := idgen.ConnID{2}

	callerSender := registerModule(t, d, callerConn, "caller", "1.0.0", nil)
	targetSender := registerModule(t, d, targetConn, "target", "1.0.0", nil)

	declareP := parseFrame(t, map[string]interface{}{
		"type": wire.TypeDeclareFunctionRequest, "requestId": "d1", "function": "echo",
	})
	d.HandleFrame(targetConn, declareP, targetSender)

	callP := parseFrame(t, map[string]interface{}{
		"type": wire.TypeFunctionCallRequest, "requestId": "call-1",
		"function": "target.echo", "arguments": map[string]interface{}{"x": 1},
	})
	d.HandleFrame(callerConn, callP, callerSender)

	if targetSender.count() != 4 { // register response + broker.activated + declare response + forwarded call
		t.Fatalf("expected target to receive the forwarded call, got %d frames", targetSender.count())
	}
	forwarded := targetSender.last()
	if forwarded.Type != wire.TypeFunctionCallRequest || forwarded.Function != "echo" || forwarded.Caller != "caller" {
		t.Fatalf("unexpected forwarded frame: %+v", forwarded)
	}

	respP := parseFrame(t, map[string]interface{}{
		"type": wire.TypeFunctionCallResponse, "requestId": "call-1",
		"data": map[string]interface{}{"ok": true},
	})
	d.HandleFrame(targetConn, respP, targetSender)

	final := callerSender.last()
	if final.Type != wire.TypeFunctionCallResponse || string(final.Data) != `{"ok":true}` {
		t.Fatalf("caller did not receive the expected response: %+v", final)
	}
}

func TestFunctionCallUnknownModule(t *testing.T) {
	d := newTestDispatcher()
	callerConn := idgen.ConnID{1}
	registerModule(t, d, callerConn, "caller", "1.0.0", nil)

	s := &fakeSender{}
	p := parseFrame(t, map[string]interface{}{
		"type": wire.TypeFunctionCallRequest, "requestId": "call-2", "function": "ghost.echo",
	})
	d.HandleFrame(callerConn, p, s)

	resp := s.last()
	if resp.Error == nil || *resp.Error != wire.ErrUnknownModule {
		t.Fatalf("expected UNKNOWN_MODULE, got %+v", resp)
	}
}

func TestFunctionCallRequestIDHijackPrevention(t *testing.T) {
	d := newTestDispatcher()
	callerConn := idgen.ConnID{1}
	attackerConn := idgen.ConnID{2}
	targetConn := idgen.ConnID{3}

	callerSender := registerModule(t, d, callerConn, "caller", "1.0.0", nil)
	attackerSender := registerModule(t, d, attackerConn, "attacker", "1.0.0", nil)
	targetSender := registerModule(t, d, targetConn, "target", "1.0.0", nil)

	declareP := parseFrame(t, map[string]interface{}{
		"type": wire.TypeDeclareFunctionRequest, "requestId": "d2", "function": "echo",
	})
	d.HandleFrame(targetConn, declareP, targetSender)

	callP := parseFrame(t, map[string]interface{}{
		"type": wire.TypeFunctionCallRequest, "requestId": "shared-id", "function": "target.echo",
	})
	d.HandleFrame(callerConn, callP, callerSender)

	// The attacker reuses the same requestId the legitimate caller is
	// already waiting on, from its own (different) registered module.
	hijackP := parseFrame(t, map[string]interface{}{
		"type": wire.TypeFunctionCallRequest, "requestId": "shared-id", "function": "target.echo",
	})
	d.HandleFrame(attackerConn, hijackP, attackerSender)

	resp := attackerSender.last()
	if resp.Type != wire.TypeError || resp.Error == nil || *resp.Error != wire.ErrInvalidRequestID {
		t.Fatalf("expected INVALID_REQUEST_ID when a different module reuses a pending requestId, got %+v", resp)
	}
}

func TestRegisterHookAndTriggerHookBroadcast(t *testing.T) {
	d := newTestDispatcher()
	subConn := idgen.ConnID{1}
	emitterConn := idgen.ConnID{2}

	subSender := registerModule(t, d, subConn, "subscriber", "1.0.0", nil)
	registerModule(t, d, emitterConn, "emitter", "1.0.0", nil)

	hookP := parseFrame(t, map[string]interface{}{
		"type": wire.TypeRegisterHookRequest, "requestId": "h1", "hook": "emitter.evt",
	})
	d.HandleFrame(subConn, hookP, subSender)

	triggerSender := &fakeSender{}
	triggerP := parseFrame(t, map[string]interface{}{
		"type": wire.TypeTriggerHookRequest, "requestId": "t1", "hook": "evt", "data": map[string]interface{}{"n": 1},
	})
	d.HandleFrame(emitterConn, triggerP, triggerSender)

	ack := triggerSender.last()
	if ack.Type != wire.TypeTriggerHookResponse || ack.RequestID != "t1" {
		t.Fatalf("emitter should get a trigger-hook ack, got %+v", ack)
	}

	delivered := subSender.last()
	if delivered.Hook != "emitter.evt" || string(delivered.Data) != `{"n":1}` {
		t.Fatalf("subscriber should have received the fan-out, got %+v", delivered)
	}
}

func TestHandleDisconnectUnbindsAndDemotesDependents(t *testing.T) {
	d := newTestDispatcher()
	providerConn := idgen.ConnID{1}
	dependentConn := idgen.ConnID{2}

	registerModule(t, d, providerConn, "provider", "1.0.0", nil)
	registerModule(t, d, dependentConn, "dependent", "1.0.0", map[string]string{"provider": "^1.0.0"})

	if _, ok := d.Registry.GetRegistered("dependent"); !ok {
		t.Fatalf("precondition: dependent should be registered")
	}

	d.HandleDisconnect(providerConn)

	if d.Conns.Bound(providerConn) {
		t.Fatalf("provider's connection should be unbound after disconnect")
	}
	if _, ok := d.Registry.Get("provider"); ok {
		t.Fatalf("provider should be fully removed from the registry")
	}
	if _, ok := d.Registry.GetRegistered("dependent"); ok {
		t.Fatalf("dependent should be demoted once its provider disconnects")
	}
}

func TestUnknownTypeCodeReturnsUnknownRequest(t *testing.T) {
	d := newTestDispatcher()
	s := &fakeSender{}
	p := parseFrame(t, map[string]interface{}{"type": 42, "requestId": "r"})
	d.HandleFrame(idgen.ConnID{1}, p, s)

	resp := s.last()
	if resp.Error == nil || *resp.Error != wire.ErrUnknownRequest {
		t.Fatalf("expected UNKNOWN_REQUEST for an unrecognized type code, got %+v", resp)
	}
}

func TestBrokerPseudoModuleAnswersListModulesSynchronously(t *testing.T) {
	d := newTestDispatcher()

	version, err := semver.NewVersion("0.0.0")
	if err != nil {
		t.Fatalf("semver.NewVersion: %v", err)
	}
	pseudo := registry.NewModule("broker", version, map[string]*semver.Constraints{}, idgen.Zero, nil)
	pseudo.DeclareFunction("listModules")
	d.Registry.Insert(pseudo, true)

	callerConn := idgen.ConnID{1}
	registerModule(t, d, callerConn, "caller", "1.0.0", nil)

	s := &fakeSender{}
	p := parseFrame(t, map[string]interface{}{
		"type": wire.TypeFunctionCallRequest, "requestId": "call-list", "function": "broker.listModules",
	})
	d.HandleFrame(callerConn, p, s)

	resp := s.last()
	if resp.Type != wire.TypeFunctionCallResponse || resp.Error != nil {
		t.Fatalf("expected a synchronous FunctionCallResponse from the pseudo-module, got %+v", resp)
	}
	var summaries []map[string]interface{}
	if err := json.Unmarshal(resp.Data, &summaries); err != nil {
		t.Fatalf("listModules response should decode as a JSON array: %v", err)
	}
	if len(summaries) == 0 {
		t.Fatalf("listModules should report at least the registered modules")
	}
}

// Package hooks implements the Hook Dispatcher: fan-out of
// named events to subscribed modules, plus a forced variant used only by
// the broker itself to deliver activation/deactivation hooks directly to a
// specific module regardless of subscription. Grounded in the teacher's
// publish/subscribe Topic fan-out (internal/broker/service.go's
// handlePublish/handleSubscribe), generalized from topic-message delivery
// to hook-name delivery.
package hooks

import (
	"encoding/json"

	"github.com/bytesonus/juno/internal/idgen"
	"github.com/bytesonus/juno/internal/registry"
	"github.com/bytesonus/juno/internal/wire"
)

var emptyObject = json.RawMessage(`{}`)

// Dispatcher sends TRIGGER_HOOK_RESPONSE frames. It holds no state of its
// own; everything it needs (subscriptions, send capability) lives on
// registry.Module.
type Dispatcher struct {
	reqIDs *idgen.RequestIDGenerator
}

func NewDispatcher(reqIDs *idgen.RequestIDGenerator) *Dispatcher {
	return &Dispatcher{reqIDs: reqIDs}
}

// Broadcast delivers data on hookName = fromModuleID + "." + hookShortName
// to every module in registeredSnapshot that has registered that exact
// fully-qualified name.
func (d *Dispatcher) Broadcast(fromModuleID, hookShortName string, data json.RawMessage, registeredSnapshot []*registry.Module) {
	if data == nil {
		data = emptyObject
	}
	hookName := fromModuleID + "." + hookShortName
	for _, m := range registeredSnapshot {
		if m.Send == nil {
			continue // broker pseudo-module: no outbound channel
		}
		if !m.Subscribes(hookName) {
			continue
		}
		d.deliver(m, hookName, data)
	}
}

// DeliverForced sends hookName to a single recipient regardless of its
// subscriptions -- the only way broker.activated / broker.deactivated
// reach a module.
func (d *Dispatcher) DeliverForced(to *registry.Module, hookName string, data json.RawMessage) {
	if to == nil || to.Send == nil {
		return
	}
	if data == nil {
		data = emptyObject
	}
	d.deliver(to, hookName, data)
}

func (d *Dispatcher) deliver(to *registry.Module, hookName string, data json.RawMessage) {
	frame := wire.Frame{
		Type:      wire.TypeTriggerHookResponse,
		RequestID: d.reqIDs.Next(),
		Hook:      hookName,
		Data:      data,
	}
	_ = to.Send.Send(frame) // best-effort: peer gone is logged by the caller's transport, not fatal here
}

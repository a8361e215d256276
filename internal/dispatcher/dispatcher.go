// Package dispatcher implements the Request Dispatcher: the six
// per-type-code handlers that validate an inbound frame, mutate the
// registry/ledgers, run the dependency engine where called for, and write
// replies or forwards back out. Grounded in the teacher's
// internal/broker/service.go, whose handleRequest top-level switch and
// one-method-per-message-kind shape (handleConnect/handlePublish/
// handleSubscribe/handleSendPipe) this package generalizes from pub/sub
// topic semantics to the six module-lifecycle/RPC operations below.
package dispatcher

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bytesonus/juno/internal/connledger"
	"github.com/bytesonus/juno/internal/depengine"
	"github.com/bytesonus/juno/internal/hooks"
	"github.com/bytesonus/juno/internal/idgen"
	"github.com/bytesonus/juno/internal/metrics"
	"github.com/bytesonus/juno/internal/originledger"
	"github.com/bytesonus/juno/internal/registry"
	"github.com/bytesonus/juno/internal/telemetry"
	"github.com/bytesonus/juno/internal/transport"
	"github.com/bytesonus/juno/internal/wire"
)

// moduleNameRe / functionNameRe enforce the character rules for the two
// halves of a qualified "moduleName.functionName" function reference.
var (
	moduleNameRe   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	functionNameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Dispatcher wires together every structure a handler needs: the registry,
// the two ledgers, the dependency engine, and the hook dispatcher. One
// Dispatcher serves every connection.
type Dispatcher struct {
	Registry   *registry.Registry
	Conns      *connledger.Ledger
	Origins    *originledger.Ledger
	DepEngine  *depengine.Engine
	Hooks      *hooks.Dispatcher
	BrokerName string
	Log        zerolog.Logger
	Metrics    *metrics.Metrics // nil-safe

	// registerMu serializes the existence-check+insert sequence in Register
	// Module across connections. The registry and connection ledger are
	// each internally consistent on their own, but DUPLICATE_MODULE
	// detection spans both; without this, two concurrent registrations of
	// the same moduleId on different connections could both observe "not
	// present yet" and both succeed.
	registerMu sync.Mutex
}

// New builds a Dispatcher over the given collaborators.
func New(reg *registry.Registry, conns *connledger.Ledger, origins *originledger.Ledger, dep *depengine.Engine, h *hooks.Dispatcher, brokerName string, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		Registry:   reg,
		Conns:      conns,
		Origins:    origins,
		DepEngine:  dep,
		Hooks:      h,
		BrokerName: brokerName,
		Log:        log,
		Metrics:    m,
	}
}

// HandleFrame implements transport.Handler: the top-level type-code routing
// table of §4.1 step 4.
func (d *Dispatcher) HandleFrame(connID idgen.ConnID, parsed wire.Parsed, sender transport.Sender) {
	_, span := telemetry.Tracer().Start(context.Background(), "dispatcher.HandleFrame")
	defer span.End()
	span.SetAttributes(
		attribute.Int("frame.type", parsed.Type),
		attribute.String("requestId", parsed.RequestID),
	)
	if moduleID, ok := d.Conns.Lookup(connID); ok {
		span.SetAttributes(attribute.String("moduleId", moduleID))
	}

	switch parsed.Type {
	case wire.TypeRegisterModuleRequest:
		d.handleRegisterModule(connID, parsed, sender)
	case wire.TypeDeclareFunctionRequest:
		d.handleDeclareFunction(connID, parsed, sender)
	case wire.TypeFunctionCallRequest:
		d.handleFunctionCall(connID, parsed, sender)
	case wire.TypeFunctionCallResponse:
		d.handleFunctionResponse(connID, parsed, sender)
	case wire.TypeRegisterHookRequest:
		d.handleRegisterHook(connID, parsed, sender)
	case wire.TypeTriggerHookRequest:
		d.handleTriggerHook(connID, parsed, sender)
	default:
		d.fail(sender, parsed.RequestID, wire.ErrUnknownRequest)
	}
}

func (d *Dispatcher) fail(sender transport.Sender, requestID string, code int) {
	if d.Metrics != nil {
		d.Metrics.DispatchErrors.WithLabelValues(wire.ErrorName(code)).Inc()
	}
	sender.Send(wire.ErrorFrame(requestID, code))
}

// registeredModuleFor returns the module bound to connID, requiring that it
// is currently in the registered pool. Declare Function, Function Call,
// Function Response, Register Hook, and Trigger Hook all share this check.
func (d *Dispatcher) registeredModuleFor(connID idgen.ConnID) (*registry.Module, bool) {
	moduleID, ok := d.Conns.Lookup(connID)
	if !ok {
		return nil, false
	}
	return d.Registry.GetRegistered(moduleID)
}

// ## 4.2 Register Module

func (d *Dispatcher) handleRegisterModule(connID idgen.ConnID, parsed wire.Parsed, sender transport.Sender) {
	requestID := parsed.RequestID

	moduleID, ok := wire.String(parsed.Fields, "moduleId")
	if !ok {
		d.fail(sender, requestID, wire.ErrMalformedRequest)
		return
	}
	versionStr, ok := wire.String(parsed.Fields, "version")
	if !ok {
		d.fail(sender, requestID, wire.ErrMalformedRequest)
		return
	}
	version, err := semver.NewVersion(versionStr)
	if err != nil {
		d.fail(sender, requestID, wire.ErrMalformedRequest)
		return
	}

	deps, ok := d.parseDependencies(parsed.Fields)
	if !ok {
		d.fail(sender, requestID, wire.ErrMalformedRequest)
		return
	}

	d.registerMu.Lock()
	if d.Registry.Exists(moduleID) || d.Conns.Bound(connID) {
		d.registerMu.Unlock()
		d.fail(sender, requestID, wire.ErrDuplicateModule)
		return
	}
	m := registry.NewModule(moduleID, version, deps, connID, sender)
	d.Conns.Bind(connID, moduleID)
	noDeps := len(deps) == 0
	d.Registry.Insert(m, noDeps)
	d.registerMu.Unlock()

	if d.Metrics != nil {
		d.Metrics.ModulesRegistered.Inc()
	}

	sender.Send(wire.Frame{Type: wire.TypeRegisterModuleResponse, RequestID: requestID})

	if noDeps {
		d.Hooks.DeliverForced(m, d.BrokerName+"."+wire.HookActivated, nil)
		payload, _ := json.Marshal(map[string]string{"moduleId": m.ID})
		reg, _ := d.Registry.Snapshot()
		d.Hooks.Broadcast(d.BrokerName, wire.HookModuleActivated, payload, reg)
	}

	d.DepEngine.Run(d.Registry)
}

// parseDependencies decodes the optional "dependencies" object into
// module-id -> semver constraint. A present-but-non-object value, or any
// entry whose value isn't a parseable semver requirement string, is
// MALFORMED_REQUEST (ok=false). Absent entirely is the empty map.
func (d *Dispatcher) parseDependencies(fields map[string]json.RawMessage) (map[string]*semver.Constraints, bool) {
	deps := make(map[string]*semver.Constraints)
	if _, present := fields["dependencies"]; !present {
		return deps, true
	}
	obj, ok := wire.Object(fields, "dependencies")
	if !ok {
		return nil, false
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(obj, &entries); err != nil {
		return nil, false
	}
	for depID, v := range entries {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, false
		}
		c, err := semver.NewConstraint(s)
		if err != nil {
			return nil, false
		}
		deps[depID] = c
	}
	return deps, true
}

// ## 4.3 Declare Function

func (d *Dispatcher) handleDeclareFunction(connID idgen.ConnID, parsed wire.Parsed, sender transport.Sender) {
	requestID := parsed.RequestID

	m, ok := d.registeredModuleFor(connID)
	if !ok {
		d.fail(sender, requestID, wire.ErrUnregisteredModule)
		return
	}
	function, ok := wire.String(parsed.Fields, "function")
	if !ok {
		d.fail(sender, requestID, wire.ErrMalformedRequest)
		return
	}

	m.DeclareFunction(function)
	sender.Send(wire.Frame{Type: wire.TypeDeclareFunctionResponse, RequestID: requestID, Function: function})
}

// ## 4.4 Function Call

func (d *Dispatcher) handleFunctionCall(connID idgen.ConnID, parsed wire.Parsed, sender transport.Sender) {
	requestID := parsed.RequestID

	caller, ok := d.registeredModuleFor(connID)
	if !ok {
		d.fail(sender, requestID, wire.ErrUnregisteredModule)
		return
	}

	qualified, ok := wire.String(parsed.Fields, "function")
	if !ok {
		d.fail(sender, requestID, wire.ErrMalformedRequest)
		return
	}

	moduleName, functionName, ok := splitQualifiedFunction(qualified)
	if !ok {
		d.fail(sender, requestID, wire.ErrUnknownFunction)
		return
	}

	target, ok := d.Registry.GetRegistered(moduleName)
	if !ok {
		d.fail(sender, requestID, wire.ErrUnknownModule)
		return
	}
	if !target.HasFunction(functionName) {
		d.fail(sender, requestID, wire.ErrUnknownFunction)
		return
	}

	// The broker pseudo-module has no outbound channel to forward to; it
	// answers its two introspection functions synchronously instead,
	// skipping the origin ledger entirely since there is no second hop
	// that would need one.
	if target.Send == nil {
		data, ok := d.answerBrokerFunction(functionName, wire.ObjectOrEmpty(parsed.Fields, "arguments"))
		if !ok {
			d.fail(sender, requestID, wire.ErrUnknownFunction)
			return
		}
		sender.Send(wire.Frame{Type: wire.TypeFunctionCallResponse, RequestID: requestID, Data: data})
		return
	}

	if existing, inserted := d.Origins.Insert(requestID, caller.ID); !inserted {
		if existing != caller.ID {
			d.fail(sender, requestID, wire.ErrInvalidRequestID)
			return
		}
		d.Log.Warn().Str("requestId", requestID).Str("moduleId", caller.ID).Msg("requestId reused by its own originating caller")
	}

	if d.Metrics != nil {
		d.Metrics.FunctionCalls.Inc()
	}

	forwarded := wire.Frame{
		Type:      wire.TypeFunctionCallRequest,
		RequestID: requestID,
		Function:  functionName,
		Arguments: wire.ObjectOrEmpty(parsed.Fields, "arguments"),
		Caller:    caller.ID,
	}
	if err := target.Send.Send(forwarded); err != nil {
		d.Log.Warn().Err(err).Str("moduleId", target.ID).Msg("failed to forward function call")
	}
}

// splitQualifiedFunction splits "moduleName.functionName" and validates
// both halves' character sets.
func splitQualifiedFunction(qualified string) (moduleName, functionName string, ok bool) {
	parts := strings.Split(qualified, ".")
	if len(parts) != 2 {
		return "", "", false
	}
	moduleName, functionName = parts[0], parts[1]
	if moduleName == "" || functionName == "" {
		return "", "", false
	}
	if !moduleNameRe.MatchString(moduleName) || !functionNameRe.MatchString(functionName) {
		return "", "", false
	}
	return moduleName, functionName, true
}

// ## 4.5 Function Response

func (d *Dispatcher) handleFunctionResponse(connID idgen.ConnID, parsed wire.Parsed, sender transport.Sender) {
	requestID := parsed.RequestID

	if _, ok := d.registeredModuleFor(connID); !ok {
		d.fail(sender, requestID, wire.ErrUnregisteredModule)
		return
	}

	originModuleID, ok := d.Origins.Remove(requestID)
	if !ok {
		d.fail(sender, requestID, wire.ErrMalformedRequest)
		return
	}

	origin, ok := d.Registry.GetRegistered(originModuleID)
	if !ok {
		return // caller disconnected (or demoted) since issuing the call: drop silently
	}

	forwarded := wire.Frame{
		Type:      wire.TypeFunctionCallResponse,
		RequestID: requestID,
		Data:      wire.ObjectOrEmpty(parsed.Fields, "data"),
	}
	if err := origin.Send.Send(forwarded); err != nil {
		d.Log.Warn().Err(err).Str("moduleId", origin.ID).Msg("failed to forward function response")
	}
}

// ## 4.6 Register Hook

func (d *Dispatcher) handleRegisterHook(connID idgen.ConnID, parsed wire.Parsed, sender transport.Sender) {
	requestID := parsed.RequestID

	m, ok := d.registeredModuleFor(connID)
	if !ok {
		d.fail(sender, requestID, wire.ErrUnregisteredModule)
		return
	}
	hook, ok := wire.String(parsed.Fields, "hook")
	if !ok {
		d.fail(sender, requestID, wire.ErrMalformedRequest)
		return
	}

	m.RegisterHook(hook)
	sender.Send(wire.Frame{Type: wire.TypeRegisterHookResponse, RequestID: requestID})
}

// ## 4.7 Trigger Hook

func (d *Dispatcher) handleTriggerHook(connID idgen.ConnID, parsed wire.Parsed, sender transport.Sender) {
	requestID := parsed.RequestID

	caller, ok := d.registeredModuleFor(connID)
	if !ok {
		d.fail(sender, requestID, wire.ErrUnregisteredModule)
		return
	}
	hook, ok := wire.String(parsed.Fields, "hook")
	if !ok {
		d.fail(sender, requestID, wire.ErrMalformedRequest)
		return
	}
	data := wire.ObjectOrEmpty(parsed.Fields, "data")

	registered, _ := d.Registry.Snapshot()
	d.Hooks.Broadcast(caller.ID, hook, data, registered)
	if d.Metrics != nil {
		d.Metrics.HookDeliveries.Inc()
	}

	sender.Send(wire.Frame{Type: wire.TypeTriggerHookResponse, RequestID: requestID})
}

// ## 4.10 Disconnect Handling

// HandleDisconnect runs the five-step sequence of §4.10. Called by the
// broker package once per connection id when its stream closes.
func (d *Dispatcher) HandleDisconnect(connID idgen.ConnID) {
	moduleID, ok := d.Conns.Lookup(connID)
	if !ok {
		return
	}

	m, ok := d.Registry.Remove(moduleID)
	if ok && m.Send != nil {
		m.Send.Close()
	}
	d.Conns.Unbind(connID)

	d.DepEngine.Run(d.Registry)

	registered, _ := d.Registry.Snapshot()
	payload, _ := json.Marshal(map[string]string{"connectionId": connID.String()})
	d.Hooks.Broadcast(d.BrokerName, wire.HookModuleDisconnected, payload, registered)
}

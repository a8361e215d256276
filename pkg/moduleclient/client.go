// Package moduleclient is a reference client for modules connecting to the
// broker: connection management, registration, function declaration, call
// dispatch with request/response correlation, and hook subscription. It is
// the module-side mirror of internal/dispatcher, grounded in the teacher's
// internal/client/broker.go (BrokerClient: Connect/call/messageListener
// shape, request/response correlation via per-request channels) and
// public/agent/base.go's connection lifecycle (connect, register,
// teardown). Used by this repo's own end-to-end tests and available to
// real module processes written against this broker.
package moduleclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bytesonus/juno/internal/transport"
	"github.com/bytesonus/juno/internal/wire"
)

// FunctionHandler answers an incoming function call forwarded by the
// broker (§4.4): the short function name and the caller-supplied
// arguments, returning the data to send back in the function response.
type FunctionHandler func(function string, arguments json.RawMessage) (json.RawMessage, error)

// HookHandler handles a delivered hook trigger (§4.9): the fully qualified
// hook name and its payload.
type HookHandler func(hook string, data json.RawMessage)

// Client is one module's connection to the broker.
type Client struct {
	conn transport.Conn
	fw   *transport.FrameWriter
	fr   *transport.FrameReader

	writeMu sync.Mutex

	pending   map[string]chan wire.Frame
	pendingMu sync.Mutex

	functions   map[string]FunctionHandler
	functionsMu sync.RWMutex

	hookHandler   HookHandler
	hookHandlerMu sync.RWMutex

	reqCounter uint64
	reqMu      sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an already-connected transport.Conn (a real socket, or one
// half of transport.NewInProcessPair for tests) and starts its read loop.
func New(conn transport.Conn, maxFrameBytes int) *Client {
	c := &Client{
		conn:      conn,
		fw:        transport.NewFrameWriter(conn),
		fr:        transport.NewFrameReader(conn, maxFrameBytes),
		pending:   make(map[string]chan wire.Frame),
		functions: make(map[string]FunctionHandler),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) nextRequestID(prefix string) string {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.reqCounter++
	return fmt.Sprintf("%s-%d", prefix, c.reqCounter)
}

func (c *Client) send(f wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.fw.WriteLine(data)
}

// roundTrip sends f and blocks for the matching response (matched on
// requestId), honoring ctx cancellation.
func (c *Client) roundTrip(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	ch := make(chan wire.Frame, 1)
	c.pendingMu.Lock()
	c.pending[f.RequestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, f.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(f); err != nil {
		return wire.Frame{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-c.done:
		return wire.Frame{}, fmt.Errorf("moduleclient: connection closed")
	}
}

// RegisterModule performs §4.2: registers moduleID at version with the
// given dependency requirements (module id -> semver requirement string).
func (c *Client) RegisterModule(ctx context.Context, moduleID, version string, dependencies map[string]string) error {
	// An empty/nil map is omitted entirely rather than marshaled to the
	// JSON literal "null": wire.Object (and so the dispatcher's
	// parseDependencies) only accepts an object or an absent field, never
	// null.
	var depsRaw json.RawMessage
	if len(dependencies) > 0 {
		raw, err := json.Marshal(dependencies)
		if err != nil {
			return err
		}
		depsRaw = raw
	}
	resp, err := c.roundTrip(ctx, wire.Frame{
		Type:         wire.TypeRegisterModuleRequest,
		RequestID:    c.nextRequestID(moduleID),
		ModuleID:     moduleID,
		Version:      version,
		Dependencies: depsRaw,
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("registerModule %s: %s", moduleID, wire.ErrorName(*resp.Error))
	}
	return nil
}

// DeclareFunction performs §4.3 and registers handler to answer forwarded
// calls to this function name.
func (c *Client) DeclareFunction(ctx context.Context, name string, handler FunctionHandler) error {
	c.functionsMu.Lock()
	c.functions[name] = handler
	c.functionsMu.Unlock()

	resp, err := c.roundTrip(ctx, wire.Frame{
		Type:      wire.TypeDeclareFunctionRequest,
		RequestID: c.nextRequestID("declare"),
		Function:  name,
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("declareFunction %s: %s", name, wire.ErrorName(*resp.Error))
	}
	return nil
}

// Call performs §4.4: invokes "moduleName.functionName" on another module
// and blocks for its response's data payload.
func (c *Client) Call(ctx context.Context, qualifiedFunction string, arguments json.RawMessage) (json.RawMessage, error) {
	if arguments == nil {
		arguments = json.RawMessage(`{}`)
	}
	resp, err := c.roundTrip(ctx, wire.Frame{
		Type:      wire.TypeFunctionCallRequest,
		RequestID: c.nextRequestID("call"),
		Function:  qualifiedFunction,
		Arguments: arguments,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("call %s: %s", qualifiedFunction, wire.ErrorName(*resp.Error))
	}
	return resp.Data, nil
}

// RegisterHook performs §4.6: subscribes to hook (typically "owner.name").
func (c *Client) RegisterHook(ctx context.Context, hook string) error {
	resp, err := c.roundTrip(ctx, wire.Frame{
		Type:      wire.TypeRegisterHookRequest,
		RequestID: c.nextRequestID("hook"),
		Hook:      hook,
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("registerHook %s: %s", hook, wire.ErrorName(*resp.Error))
	}
	return nil
}

// OnHook installs the handler invoked whenever a subscribed (or
// force-delivered) hook arrives.
func (c *Client) OnHook(h HookHandler) {
	c.hookHandlerMu.Lock()
	c.hookHandler = h
	c.hookHandlerMu.Unlock()
}

// TriggerHook performs §4.7: emits hook (unqualified; the broker qualifies
// it with this caller's module id) with data.
func (c *Client) TriggerHook(ctx context.Context, hook string, data json.RawMessage) error {
	if data == nil {
		data = json.RawMessage(`{}`)
	}
	resp, err := c.roundTrip(ctx, wire.Frame{
		Type:      wire.TypeTriggerHookRequest,
		RequestID: c.nextRequestID("trigger"),
		Hook:      hook,
		Data:      data,
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("triggerHook %s: %s", hook, wire.ErrorName(*resp.Error))
	}
	return nil
}

// readLoop is this module's single read-loop task (§5): decode every
// inbound frame and route it to whichever of roundTrip/function-handler/
// hook-handler it belongs to.
func (c *Client) readLoop() {
	for {
		line, err := c.fr.ReadLine()
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}
		var f wire.Frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}

		switch f.Type {
		case wire.TypeFunctionCallRequest:
			c.handleIncomingCall(f)
		case wire.TypeTriggerHookResponse:
			if f.Hook != "" {
				c.hookHandlerMu.RLock()
				h := c.hookHandler
				c.hookHandlerMu.RUnlock()
				if h != nil {
					h(f.Hook, f.Data)
				}
				continue
			}
			c.deliver(f)
		default:
			c.deliver(f)
		}
	}
}

func (c *Client) deliver(f wire.Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.RequestID]
	c.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

// handleIncomingCall answers a forwarded function call (§4.4) by invoking
// the declared handler and sending a function-response (§4.5) frame back.
func (c *Client) handleIncomingCall(f wire.Frame) {
	c.functionsMu.RLock()
	handler, ok := c.functions[f.Function]
	c.functionsMu.RUnlock()
	if !ok {
		return
	}
	data, err := handler(f.Function, f.Arguments)
	if err != nil {
		data = json.RawMessage(`{}`)
	}
	_ = c.send(wire.Frame{
		Type:      wire.TypeFunctionCallResponse,
		RequestID: f.RequestID,
		Data:      data,
	})
}

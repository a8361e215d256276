// Package broker is the aggregate root: it owns the Module Registry, the
// two ledgers, the dependency engine, the hook dispatcher, the request
// dispatcher, and the transport server, and it bootstraps the broker's own
// pseudo-module (§4.11) at construction time. Grounded in the teacher's
// internal/broker/service.go Service struct, which is the same
// everything-the-process-needs aggregate for GOX's topics/pipes/
// connections, generalized here to the module registry's registered/
// unregistered pools plus the request-origin ledger this spec adds.
package broker

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/bytesonus/juno/internal/config"
	"github.com/bytesonus/juno/internal/connledger"
	"github.com/bytesonus/juno/internal/depengine"
	"github.com/bytesonus/juno/internal/dispatcher"
	"github.com/bytesonus/juno/internal/hooks"
	"github.com/bytesonus/juno/internal/idgen"
	"github.com/bytesonus/juno/internal/metrics"
	"github.com/bytesonus/juno/internal/originledger"
	"github.com/bytesonus/juno/internal/registry"
	"github.com/bytesonus/juno/internal/transport"
)

// brokerPseudoVersion is the semantic version the broker reports for its
// own pseudo-module via listModules/getModuleInfo. A module that lists the
// broker's configured name as a dependency has its requirement checked
// against this version, like any other registered module.
const brokerPseudoVersion = "0.0.0"

// Broker wires every collaborator the Request Dispatcher needs and exposes
// the one entry point (Serve) that runs the transport accept loop against
// it. Callers construct one Broker per process.
type Broker struct {
	Name       string
	Registry   *registry.Registry
	Conns      *connledger.Ledger
	Origins    *originledger.Ledger
	Hooks      *hooks.Dispatcher
	DepEngine  *depengine.Engine
	Dispatcher *dispatcher.Dispatcher
	ConnGen    *idgen.ConnGenerator
	ReqIDs     *idgen.RequestIDGenerator
	Metrics    *metrics.Metrics
	Log        zerolog.Logger

	maxFrameBytes int
	server        *transport.Server
}

// New builds a Broker from cfg and immediately registers the broker's own
// pseudo-module (§3: "always present in the registered pool ... never
// evicted"). promReg may be nil, in which case metrics collection is
// skipped entirely (used by tests).
func New(cfg *config.Config, log zerolog.Logger, promReg prometheus.Registerer) (*Broker, error) {
	reg := registry.New()
	conns := connledger.New()
	origins := originledger.New()
	reqIDs := idgen.NewRequestIDGenerator(cfg.BrokerName)
	h := hooks.NewDispatcher(reqIDs)

	var m *metrics.Metrics
	if promReg != nil {
		m = metrics.New(promReg)
	}

	dep := depengine.New(cfg.BrokerName, h, log, m)
	d := dispatcher.New(reg, conns, origins, dep, h, cfg.BrokerName, log, m)

	b := &Broker{
		Name:          cfg.BrokerName,
		Registry:      reg,
		Conns:         conns,
		Origins:       origins,
		Hooks:         h,
		DepEngine:     dep,
		Dispatcher:    d,
		ConnGen:       idgen.NewConnGenerator(),
		ReqIDs:        reqIDs,
		Metrics:       m,
		Log:           log,
		maxFrameBytes: cfg.Limits.MaxFrameBytes,
	}

	if err := b.bootstrapPseudoModule(); err != nil {
		return nil, err
	}
	return b, nil
}

// bootstrapPseudoModule inserts the broker's own Module directly into the
// registered pool: no dependencies, no outbound Send (registry.Sender is
// nil for it, per §3), connection id idgen.Zero, and the two introspection
// functions declared (§4.11).
func (b *Broker) bootstrapPseudoModule() error {
	version, err := semver.NewVersion(brokerPseudoVersion)
	if err != nil {
		return fmt.Errorf("failed to parse broker pseudo-module version: %w", err)
	}
	m := registry.NewModule(b.Name, version, map[string]*semver.Constraints{}, idgen.Zero, nil)
	m.DeclareFunction("listModules")
	m.DeclareFunction("getModuleInfo")
	b.Registry.Insert(m, true)
	return nil
}

// Serve runs the transport accept loop over ln until ctx is cancelled,
// routing every parsed frame to the Dispatcher and every disconnect to
// HandleDisconnect (§4.10).
func (b *Broker) Serve(ctx context.Context, ln transport.Listener) error {
	b.server = transport.NewServer(
		ln,
		b.maxFrameBytes,
		b.ConnGen,
		b.Conns.InUse,
		b.Dispatcher.HandleFrame,
		b.Dispatcher.HandleDisconnect,
		b.Log,
		b.Metrics,
	)
	return b.server.Serve(ctx)
}

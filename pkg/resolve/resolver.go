package resolve

import (
	"context"
	"time"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/autoschematic-sh/autoschematic/pkg/outputs"
	"github.com/rs/zerolog"
)

// DefaultWaitTimeout bounds how long a deferred resolution waits for a
// missing output before surfacing an unresolved-dependency error.
const DefaultWaitTimeout = 10 * time.Minute

// Producible reports whether some resource selected in the current run can
// still produce the given output. The resolver uses it to distinguish
// "not yet" from "never in this run": a missing output with no producer is
// an unresolved-dependency error immediately, not a wait.
type Producible func(ref connector.ReadOutput) bool

// Resolver translates between virtual and physical addresses, resolving
// cross-resource dependencies lazily. It only ever knows *that* outputs are
// needed; re-deriving the physical address from their values is the
// connector's job, so satisfied reads trigger a re-invocation of
// AddrVirtToPhy rather than any interpretation here.
type Resolver struct {
	store       *outputs.Store
	log         zerolog.Logger
	waitTimeout time.Duration
}

// New creates a resolver over an outputs store. waitTimeout <= 0 selects
// DefaultWaitTimeout.
func New(store *outputs.Store, log zerolog.Logger, waitTimeout time.Duration) *Resolver {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Resolver{
		store:       store,
		log:         log.With().Str("component", "resolver").Logger(),
		waitTimeout: waitTimeout,
	}
}

// Store exposes the outputs store backing this resolver.
func (r *Resolver) Store() *outputs.Store {
	return r.store
}

// VirtToPhy resolves the virtual address addr through conn, waiting on
// deferred outputs as they are published. It returns a terminal result
// (NotPresent, Present or Null), or an error:
//
//   - unresolved-dependency, when a required output has no producer in this
//     run or does not arrive before the wait timeout;
//   - cycle, when the resolution pass count exceeds the bound given by the
//     number of distinct missing outputs seen for this address;
//   - transport/application, passed through from the connector.
func (r *Resolver) VirtToPhy(ctx context.Context, conn connector.Connector, addr string, producible Producible) (connector.VirtToPhyResult, error) {
	seen := make(map[connector.ReadOutput]struct{})
	passes := 0

	for {
		res, err := conn.AddrVirtToPhy(ctx, addr)
		if err != nil {
			return connector.VirtToPhyResult{}, err
		}
		if res.Type != connector.VirtToPhyDeferred {
			return res, nil
		}

		for _, read := range res.Reads {
			seen[normalize(read)] = struct{}{}
		}

		// Each pass either satisfies at least one new distinct output or
		// the connector is deferring on outputs it was already given.
		passes++
		if passes > len(seen)+1 {
			return connector.VirtToPhyResult{}, connector.NewCycleError(addr, passes)
		}

		missing := r.store.Missing(res.Reads)
		if len(missing) == 0 {
			// All reads satisfied; the connector re-derives the physical
			// address internally on the next invocation.
			continue
		}

		if producible != nil {
			for _, ref := range missing {
				if !producible(normalize(ref)) {
					return connector.VirtToPhyResult{}, connector.NewUnresolvedError(addr, missing)
				}
			}
		}

		if err := r.wait(ctx, addr, missing); err != nil {
			return connector.VirtToPhyResult{}, err
		}
	}
}

// wait blocks until every missing output is published, the context is
// cancelled, or the wait timeout elapses. Connectors may report the same
// read twice; the store wakes each distinct ref once, so the wait counts
// distinct refs.
func (r *Resolver) wait(ctx context.Context, addr string, missing []connector.ReadOutput) error {
	missing = dedupe(missing)
	ch, cancel := r.store.Subscribe(missing)
	defer cancel()

	timer := time.NewTimer(r.waitTimeout)
	defer timer.Stop()

	r.log.Debug().
		Str("addr", addr).
		Int("missing", len(missing)).
		Msg("Resolution deferred; waiting on outputs")

	satisfied := 0
	for satisfied < len(missing) {
		select {
		case <-ch:
			satisfied++
		case <-timer.C:
			return connector.NewUnresolvedError(addr, r.store.Missing(missing))
		case <-ctx.Done():
			return connector.NewUnresolvedError(addr, r.store.Missing(missing))
		}
	}
	return nil
}

// PhyToVirt maps a physical address discovered by List back to its virtual
// file path. "" means the resource has no local file: an import candidate.
func (r *Resolver) PhyToVirt(ctx context.Context, conn connector.Connector, addr string) (string, error) {
	return conn.AddrPhyToVirt(ctx, addr)
}

// ExecAddr picks the address OpExec must be called with, given a terminal
// resolution: the physical address when one exists, otherwise the virtual
// address (the resource is being created and has no physical identity yet).
func ExecAddr(virtAddr string, res connector.VirtToPhyResult) string {
	switch res.Type {
	case connector.VirtToPhyPresent, connector.VirtToPhyNull:
		return res.Path
	default:
		return virtAddr
	}
}

func normalize(ref connector.ReadOutput) connector.ReadOutput {
	ref.Addr = connector.NormalizeAddr(ref.Addr)
	return ref
}

func dedupe(refs []connector.ReadOutput) []connector.ReadOutput {
	seen := make(map[connector.ReadOutput]struct{}, len(refs))
	var out []connector.ReadOutput
	for _, ref := range refs {
		key := normalize(ref)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ref)
	}
	return out
}

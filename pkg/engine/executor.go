package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/autoschematic-sh/autoschematic/pkg/outputs"
	"github.com/autoschematic-sh/autoschematic/pkg/resolve"
)

// execContext carries the shared state of one apply run.
type execContext struct {
	prefix     string
	dir        string
	resolver   *resolve.Resolver
	producible resolve.Producible

	// detached keeps in-flight operations running to completion after the
	// run context is cancelled; abandoning an op midway would lose its
	// outputs. Cancellation is honored between operations instead.
	detached context.Context

	// yieldSlot, when set, runs fn with the group's worker slot released.
	// A resource blocked waiting for another group's outputs must not hold
	// a slot its producer needs to get scheduled.
	yieldSlot func(fn func())
}

func (ec *execContext) waitOutside(fn func()) {
	if ec.yieldSlot == nil {
		fn()
		return
	}
	ec.yieldSlot(fn)
}

// executeResource runs one planned resource to its terminal state. Failures
// abandon the resource's remaining operations; nothing is rolled back.
func (e *Engine) executeResource(ctx context.Context, ec *execContext, res *PlannedResource, conn connector.Connector) *ApplyResult {
	result := &ApplyResult{
		Addr:      res.Addr,
		Connector: res.Connector,
		State:     StateApplying,
	}

	ops := res.Ops
	if res.State == StateDeferred {
		// A deferred resource carried no operations out of planning; wait
		// for its inputs and plan it now that producers have run.
		var replanned []connector.Op
		var err error
		ec.waitOutside(func() { replanned, err = e.replan(ctx, ec, res, conn) })
		if err != nil {
			result.State = StateFailed
			result.Error = err.Error()
			e.log.Warn().Str("addr", res.Addr).Err(err).Msg("deferred resource failed to replan")
			return result
		}
		if replanned == nil {
			result.State = StateNoDrift
			return result
		}
		ops = replanned
	}

	var phyRes connector.VirtToPhyResult
	var err error
	ec.waitOutside(func() { phyRes, err = ec.resolver.VirtToPhy(ctx, conn, res.Addr, ec.producible) })
	if err != nil {
		result.State = StateFailed
		result.Error = err.Error()
		if connector.IsCycle(err) && e.metrics != nil {
			e.metrics.RecordResolutionCycle()
		}
		return result
	}
	execAddr := resolve.ExecAddr(res.Addr, phyRes)
	result.ExecAddr = execAddr

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			result.State = StateFailed
			result.Error = fmt.Sprintf("cancelled before op %d: %v", i, err)
			return result
		}

		outcome := e.executeOp(ec, conn, res, execAddr, op)
		result.Ops = append(result.Ops, outcome)
		if outcome.Error != "" {
			result.State = StateFailed
			result.Error = fmt.Sprintf("op %d failed: %s", i, outcome.Error)
			return result
		}
	}

	if err := e.finishResource(ec, res, conn); err != nil {
		result.State = StateFailed
		result.Error = err.Error()
		return result
	}
	result.State = StateApplied
	return result
}

// executeOp runs a single operation and publishes its outputs, both to the
// live store (waking deferred resources) and to the durable output records.
func (e *Engine) executeOp(ec *execContext, conn connector.Connector, res *PlannedResource, execAddr string, op connector.Op) OpOutcome {
	outcome := OpOutcome{Op: op.OpDefinition}
	start := time.Now()

	opRes, err := conn.OpExec(ec.detached, execAddr, op.OpDefinition)
	outcome.Duration = time.Since(start)
	if err != nil {
		outcome.Error = err.Error()
		if e.metrics != nil {
			e.metrics.RecordOpExecuted(res.Connector, "failure", outcome.Duration)
		}
		return outcome
	}

	if opRes != nil {
		outcome.Message = opRes.FriendlyMessage
		if len(opRes.Outputs) > 0 {
			outcome.Outputs = len(opRes.Outputs)
			ec.resolver.Store().PublishExec(res.Addr, opRes.Outputs)
			if _, _, err := outputs.ApplyExec(ec.dir, res.Addr, opRes.Outputs); err != nil {
				outcome.Error = fmt.Sprintf("persisting outputs: %v", err)
				return outcome
			}
			if e.metrics != nil {
				for range opRes.Outputs {
					e.metrics.RecordOutputPublished()
				}
			}
		}
	}

	if e.metrics != nil {
		e.metrics.RecordOpExecuted(res.Connector, "success", outcome.Duration)
	}
	e.log.Info().
		Str("prefix", ec.prefix).
		Str("addr", res.Addr).
		Str("connector", res.Connector).
		Str("message", outcome.Message).
		Msg("op executed")
	return outcome
}

// finishResource settles the durable records after a resource's operations
// all succeed: deletions drop their output files, creations record the
// physical address link.
func (e *Engine) finishResource(ec *execContext, res *PlannedResource, conn connector.Connector) error {
	if res.Deleted {
		if _, err := outputs.Delete(ec.dir, res.Addr); err != nil {
			return fmt.Errorf("removing output records for %s: %w", res.Addr, err)
		}
		if res.PhyAddr != "" && res.PhyAddr != res.Addr {
			if _, err := outputs.Delete(ec.dir, res.PhyAddr); err != nil {
				return fmt.Errorf("removing output link for %s: %w", res.PhyAddr, err)
			}
		}
		return nil
	}

	// A creation acquires its physical identity during execution; record
	// the link so later runs and imports can map it back.
	if res.PhyAddr == "" {
		phyRes, err := conn.AddrVirtToPhy(ec.detached, res.Addr)
		if err != nil {
			return fmt.Errorf("resolving created resource %s: %w", res.Addr, err)
		}
		if phyRes.Type == connector.VirtToPhyPresent && phyRes.Path != res.Addr {
			if err := outputs.WriteLink(ec.dir, phyRes.Path, res.Addr); err != nil {
				return fmt.Errorf("recording output link for %s: %w", res.Addr, err)
			}
		}
	}
	return nil
}

// replan waits for a deferred resource's inputs, then runs the planning
// pipeline against live state. A nil result means the resource settled into
// its desired state without operations.
func (e *Engine) replan(ctx context.Context, ec *execContext, res *PlannedResource, conn connector.Connector) ([]connector.Op, error) {
	desired := res.Desired
	if !res.Deleted {
		raw, err := e.readDesired(ec.prefix, res.Addr)
		if err != nil {
			return nil, err
		}
		templated, err := e.templateWithWait(ctx, ec, res.Addr, raw)
		if err != nil {
			return nil, err
		}
		desired = templated
	}

	phyRes, err := ec.resolver.VirtToPhy(ctx, conn, res.Addr, ec.producible)
	if err != nil {
		return nil, err
	}

	var current []byte
	switch phyRes.Type {
	case connector.VirtToPhyPresent, connector.VirtToPhyNull:
		res.PhyAddr = phyRes.Path
		got, err := conn.Get(ctx, phyRes.Path)
		if err != nil {
			return nil, err
		}
		if got != nil {
			current = got.ResourceDefinition
			if current == nil {
				current = []byte{}
			}
		}
	}

	if current != nil && desired != nil {
		eq, err := conn.Eq(ctx, res.Addr, current, desired)
		if err != nil {
			return nil, err
		}
		if eq {
			return nil, nil
		}
	}

	ops, err := conn.Plan(ctx, res.Addr, current, desired)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return ops, nil
}

// templateWithWait substitutes output references, blocking until missing
// outputs are published by other resources in the run.
func (e *Engine) templateWithWait(ctx context.Context, ec *execContext, addr string, body []byte) ([]byte, error) {
	store := ec.resolver.Store()
	for {
		tmpl := outputs.Template(store, body)
		if len(tmpl.Missing) == 0 {
			return tmpl.Body, nil
		}
		for _, ref := range tmpl.Missing {
			if ec.producible != nil && !ec.producible(ref) {
				return nil, connector.NewUnresolvedError(addr, tmpl.Missing)
			}
		}
		if e.metrics != nil {
			e.metrics.RecordDeferredWait()
		}
		if err := e.waitForOutputs(ctx, store, addr, tmpl.Missing); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) waitForOutputs(ctx context.Context, store *outputs.Store, addr string, missing []connector.ReadOutput) error {
	ch, cancel := store.Subscribe(missing)
	defer cancel()

	timeout := resolve.DefaultWaitTimeout
	if e.settings != nil && e.settings.ResolveTimeout > 0 {
		timeout = e.settings.ResolveTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	satisfied := 0
	for satisfied < len(missing) {
		select {
		case <-ch:
			satisfied++
		case <-timer.C:
			return connector.NewUnresolvedError(addr, store.Missing(missing))
		case <-ctx.Done():
			return connector.NewUnresolvedError(addr, store.Missing(missing))
		}
	}
	return nil
}

func (e *Engine) readDesired(prefix, addr string) ([]byte, error) {
	return os.ReadFile(filepath.Join(e.prefixDir(prefix), filepath.FromSlash(addr)))
}

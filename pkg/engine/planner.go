package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/autoschematic-sh/autoschematic/pkg/outputs"
)

// planContext carries the per-run planning state for one prefix.
type planContext struct {
	prefix string
	dir    string
	store  *outputs.Store
	report *PlanReport
}

// Plan produces a plan report for every address in files. Planning only
// reads remote state; it never executes operations, so deferred output
// references are recorded rather than waited on.
func (e *Engine) Plan(ctx context.Context, prefix string, files *FileSet) (*PlanReport, error) {
	start := time.Now()
	if _, ok := e.cfg.Prefixes[prefix]; !ok {
		return nil, fmt.Errorf("no such prefix: %s", prefix)
	}
	if e.metrics != nil {
		e.metrics.RecordRunStarted("plan")
	}

	store, err := outputs.LoadPrefix(e.prefixDir(prefix))
	if err != nil {
		return nil, err
	}
	pc := &planContext{
		prefix: prefix,
		dir:    e.prefixDir(prefix),
		store:  store,
		report: &PlanReport{
			ID:        uuid.NewString(),
			Prefix:    prefix,
			CreatedAt: start,
		},
	}

	for _, addr := range files.Modified {
		if err := e.planAddr(ctx, pc, addr, "", nil); err != nil {
			return nil, err
		}
	}
	for _, addr := range files.Deleted {
		if err := e.planDeletion(ctx, pc, addr); err != nil {
			return nil, err
		}
	}

	sort.Slice(pc.report.Resources, func(i, j int) bool {
		return pc.report.Resources[i].Addr < pc.report.Resources[j].Addr
	})
	pc.report.Summary = summarize(pc.report.Resources)

	status := "succeeded"
	if e.metrics != nil {
		e.metrics.RecordRunCompleted("plan", status, time.Since(start))
	}
	e.log.Info().
		Str("prefix", prefix).
		Str("plan_id", pc.report.ID).
		Int("total", pc.report.Summary.Total).
		Int("to_change", pc.report.Summary.ToChange).
		Int("deferred", pc.report.Summary.Deferred).
		Msg("plan complete")
	return pc.report, nil
}

// planAddr routes one address through classification and into resource or
// bundle planning. body overrides the on-disk desired state for unbundled
// elements; bundle names the element's origin.
func (e *Engine) planAddr(ctx context.Context, pc *planContext, addr, bundle string, body []byte) error {
	cls, err := e.classify(ctx, pc.prefix, addr)
	if err != nil {
		// A connector that cannot spawn or filter fails this address, not
		// the run; other resources keep planning.
		pc.report.Resources = append(pc.report.Resources, &PlannedResource{
			Addr:   addr,
			Bundle: bundle,
			State:  StateFailed,
			Error:  err.Error(),
		})
		return nil
	}
	if cls == nil {
		return nil
	}

	switch cls.resp {
	case connector.FilterResource:
		desired := body
		if desired == nil {
			desired, err = os.ReadFile(filepath.Join(pc.dir, filepath.FromSlash(addr)))
			if err != nil {
				pc.report.Resources = append(pc.report.Resources, &PlannedResource{
					Addr:      addr,
					Connector: cls.def.Name,
					Bundle:    bundle,
					State:     StateFailed,
					Error:     fmt.Sprintf("reading desired state: %v", err),
				})
				return nil
			}
		}
		e.planResource(ctx, pc, cls, addr, bundle, desired)
	case connector.FilterBundle:
		desired := body
		if desired == nil {
			desired, err = os.ReadFile(filepath.Join(pc.dir, filepath.FromSlash(addr)))
			if err != nil {
				pc.report.Resources = append(pc.report.Resources, &PlannedResource{
					Addr:      addr,
					Connector: cls.def.Name,
					State:     StateFailed,
					Error:     fmt.Sprintf("reading bundle: %v", err),
				})
				return nil
			}
		}
		elements, err := cls.conn.Unbundle(ctx, addr, desired)
		if err != nil {
			pc.report.Resources = append(pc.report.Resources, &PlannedResource{
				Addr:      addr,
				Connector: cls.def.Name,
				State:     StateFailed,
				Error:     err.Error(),
			})
			return nil
		}
		for _, el := range elements {
			elAddr := connector.NormalizeAddr(el.DeriveAddr(addr))
			if err := e.planAddr(ctx, pc, elAddr, addr, el.Contents); err != nil {
				return err
			}
		}
	default:
		// Config and task files carry no remote state.
	}
	return nil
}

// planResource plans a single resource address against its connector.
func (e *Engine) planResource(ctx context.Context, pc *planContext, cls *classification, addr, bundle string, desired []byte) {
	res := &PlannedResource{
		Addr:      addr,
		Connector: cls.def.Name,
		Bundle:    bundle,
	}
	pc.report.Resources = append(pc.report.Resources, res)

	// Substitute output references in the desired body. Unsatisfied
	// references defer the resource rather than failing it: the outputs may
	// be produced by another resource applied in this run.
	tmpl := outputs.Template(pc.store, desired)
	if len(tmpl.Missing) > 0 {
		res.State = StateDeferred
		res.MissingReads = tmpl.Missing
		return
	}
	res.Desired = tmpl.Body

	phyRes, deferredReads, err := e.resolveForPlan(ctx, pc, cls.conn, addr)
	if err != nil {
		res.State = StateFailed
		res.Error = err.Error()
		return
	}
	if deferredReads != nil {
		res.State = StateDeferred
		res.MissingReads = deferredReads
		return
	}

	var current []byte
	switch phyRes.Type {
	case connector.VirtToPhyPresent, connector.VirtToPhyNull:
		res.PhyAddr = phyRes.Path
		got, err := cls.conn.Get(ctx, phyRes.Path)
		if err != nil {
			res.State = StateFailed
			res.Error = err.Error()
			return
		}
		if got != nil {
			current = got.ResourceDefinition
			if current == nil {
				current = []byte{}
			}
		}
	}
	res.Current = current

	// A resource whose current and desired state already agree plans to
	// nothing; Eq lets the connector ignore formatting differences.
	if current != nil {
		eq, err := cls.conn.Eq(ctx, addr, current, res.Desired)
		if err != nil {
			res.State = StateFailed
			res.Error = err.Error()
			return
		}
		if eq {
			res.State = StateNoDrift
			return
		}
	}

	ops, err := cls.conn.Plan(ctx, addr, current, res.Desired)
	if err != nil {
		res.State = StateFailed
		res.Error = err.Error()
		return
	}
	res.Ops = ops
	if len(ops) == 0 {
		res.State = StateNoDrift
		return
	}
	res.State = StatePlanned
}

// planDeletion plans the destruction of a resource whose desired state file
// was removed. The physical address comes from the durable output records.
func (e *Engine) planDeletion(ctx context.Context, pc *planContext, addr string) error {
	cls, err := e.classify(ctx, pc.prefix, addr)
	if err != nil {
		pc.report.Resources = append(pc.report.Resources, &PlannedResource{
			Addr:    addr,
			Deleted: true,
			State:   StateFailed,
			Error:   err.Error(),
		})
		return nil
	}
	if cls == nil || cls.resp != connector.FilterResource {
		return nil
	}

	res := &PlannedResource{
		Addr:      addr,
		Connector: cls.def.Name,
		Deleted:   true,
	}
	pc.report.Resources = append(pc.report.Resources, res)

	phyRes, deferredReads, err := e.resolveForPlan(ctx, pc, cls.conn, addr)
	if err != nil {
		res.State = StateFailed
		res.Error = err.Error()
		return nil
	}
	if deferredReads != nil {
		res.State = StateDeferred
		res.MissingReads = deferredReads
		return nil
	}

	var current []byte
	switch phyRes.Type {
	case connector.VirtToPhyPresent, connector.VirtToPhyNull:
		res.PhyAddr = phyRes.Path
		got, err := cls.conn.Get(ctx, phyRes.Path)
		if err != nil {
			res.State = StateFailed
			res.Error = err.Error()
			return nil
		}
		if got != nil {
			current = got.ResourceDefinition
			if current == nil {
				current = []byte{}
			}
		}
	}
	if current == nil {
		// Already gone remotely; nothing to destroy.
		res.State = StateNoDrift
		return nil
	}
	res.Current = current

	ops, err := cls.conn.Plan(ctx, addr, current, nil)
	if err != nil {
		res.State = StateFailed
		res.Error = err.Error()
		return nil
	}
	res.Ops = ops
	if len(ops) == 0 {
		res.State = StateNoDrift
		return nil
	}
	res.State = StatePlanned
	return nil
}

// resolveForPlan runs address resolution without waiting: a resolution that
// defers on unpublished outputs reports the missing reads instead of
// blocking, since planning publishes nothing.
func (e *Engine) resolveForPlan(ctx context.Context, pc *planContext, conn connector.Connector, addr string) (connector.VirtToPhyResult, []connector.ReadOutput, error) {
	seen := make(map[connector.ReadOutput]struct{})
	passes := 0
	for {
		res, err := conn.AddrVirtToPhy(ctx, addr)
		if err != nil {
			return connector.VirtToPhyResult{}, nil, err
		}
		if res.Type != connector.VirtToPhyDeferred {
			return res, nil, nil
		}

		for _, read := range res.Reads {
			seen[read] = struct{}{}
		}
		passes++
		if passes > len(seen)+1 {
			return connector.VirtToPhyResult{}, nil, connector.NewCycleError(addr, passes)
		}

		missing := pc.store.Missing(res.Reads)
		if len(missing) > 0 {
			return connector.VirtToPhyResult{}, missing, nil
		}
	}
}

func summarize(resources []*PlannedResource) PlanSummary {
	s := PlanSummary{Total: len(resources)}
	for _, r := range resources {
		switch r.State {
		case StatePlanned:
			if r.Deleted {
				s.ToDelete++
			} else {
				s.ToChange++
			}
		case StateNoDrift:
			s.NoDrift++
		case StateDeferred:
			s.Deferred++
		}
	}
	return s
}

package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/autoschematic-sh/autoschematic/pkg/config"
	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/autoschematic-sh/autoschematic/pkg/supervisor"
)

// execGroup is a set of resources that must execute sequentially: they share
// a connector and fall under the same declared subpath. Distinct groups are
// independent and run in parallel.
type execGroup struct {
	connector string
	subpath   string
	resources []*PlannedResource
}

// Apply executes a plan report. Groups of related resources run under a
// bounded worker pool; within a group, resources execute in address order
// with deletions last. A failure inside a group skips the group's remaining
// resources but never touches other groups.
func (e *Engine) Apply(ctx context.Context, prefix string, plan *PlanReport) (*ApplyReport, error) {
	start := time.Now()
	if e.metrics != nil {
		e.metrics.RecordRunStarted("apply")
	}

	report := &ApplyReport{
		RunID:     uuid.NewString(),
		PlanID:    plan.ID,
		Prefix:    prefix,
		StartedAt: start,
	}

	resolver, err := e.newResolver(prefix)
	if err != nil {
		return nil, err
	}
	workers := 8
	if e.settings != nil && e.settings.MaxParallel > 0 {
		workers = e.settings.MaxParallel
	}
	sem := make(chan struct{}, workers)

	ec := &execContext{
		prefix:     prefix,
		dir:        e.prefixDir(prefix),
		resolver:   resolver,
		producible: plan.producible(),
		detached:   context.WithoutCancel(ctx),
		yieldSlot: func(fn func()) {
			<-sem
			defer func() { sem <- struct{}{} }()
			fn()
		},
	}

	groups, conns, err := e.groupResources(ctx, prefix, plan)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		results []*ApplyResult
	)
	collect := func(r *ApplyResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	for _, g := range groups {
		wg.Add(1)
		go func(g *execGroup) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			conn := conns[g.connector]
			failed := false
			for _, res := range g.resources {
				if failed || ctx.Err() != nil {
					collect(&ApplyResult{
						Addr:      res.Addr,
						Connector: res.Connector,
						State:     StateSkipped,
					})
					continue
				}
				r := e.executeResource(ctx, ec, res, conn)
				if r.State == StateFailed {
					failed = true
				}
				collect(r)
			}
		}(g)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Addr < results[j].Addr })
	report.Results = results
	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	report.Status = runStatus(results)

	if e.metrics != nil {
		e.metrics.RecordRunCompleted("apply", string(report.Status), report.Duration)
	}
	e.log.Info().
		Str("prefix", prefix).
		Str("run_id", report.RunID).
		Str("status", string(report.Status)).
		Dur("duration", report.Duration).
		Msg("apply complete")
	return report, nil
}

// groupResources buckets the plan's actionable resources into execution
// groups and spawns each group's connector.
func (e *Engine) groupResources(ctx context.Context, prefix string, plan *PlanReport) ([]*execGroup, map[string]connector.Connector, error) {
	conns := make(map[string]connector.Connector)
	subpaths := make(map[string][]string)
	groups := make(map[string]*execGroup)

	for _, res := range plan.Resources {
		if res.State != StatePlanned && res.State != StateDeferred {
			continue
		}

		conn, ok := conns[res.Connector]
		if !ok {
			var def *config.ConnectorDef
			pc := e.cfg.Prefixes[prefix]
			def = pc.Connector(res.Connector)
			if def == nil {
				continue
			}
			var err error
			conn, err = e.spawn(ctx, supervisor.Key{Prefix: prefix, Name: def.Name}, def)
			if err != nil {
				return nil, nil, err
			}
			conns[res.Connector] = conn

			sp, err := conn.Subpaths(ctx)
			if err != nil {
				return nil, nil, err
			}
			// Longest subpath first so the most specific group claims the
			// address.
			sort.Slice(sp, func(i, j int) bool { return len(sp[i]) > len(sp[j]) })
			subpaths[res.Connector] = sp
		}

		subpath := matchSubpath(subpaths[res.Connector], res.Addr)
		key := res.Connector + "\x00" + subpath
		if res.State == StateDeferred {
			// A deferred resource has no known operations to order against
			// its group, and serializing it there could leave it waiting on
			// a producer scheduled behind it. It runs as its own group and
			// synchronizes through the outputs store instead.
			key = res.Connector + "\x00deferred\x00" + res.Addr
		}
		g, ok := groups[key]
		if !ok {
			g = &execGroup{connector: res.Connector, subpath: subpath}
			groups[key] = g
		}
		g.resources = append(g.resources, res)
	}

	out := make([]*execGroup, 0, len(groups))
	for _, g := range groups {
		sort.Slice(g.resources, func(i, j int) bool {
			a, b := g.resources[i], g.resources[j]
			if a.Deleted != b.Deleted {
				return !a.Deleted
			}
			return a.Addr < b.Addr
		})
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].connector != out[j].connector {
			return out[i].connector < out[j].connector
		}
		return out[i].subpath < out[j].subpath
	})
	return out, conns, nil
}

// matchSubpath picks the first declared subpath that prefixes addr. The
// candidates arrive longest-first; "./" is the catch-all.
func matchSubpath(candidates []string, addr string) string {
	for _, sp := range candidates {
		trimmed := strings.TrimPrefix(sp, "./")
		if trimmed == "" || strings.HasPrefix(addr, trimmed) {
			return sp
		}
	}
	return "./"
}

// runStatus derives the terminal run status from per-resource outcomes.
func runStatus(results []*ApplyResult) RunStatus {
	applied, failed, skipped := 0, 0, 0
	for _, r := range results {
		switch r.State {
		case StateApplied, StateNoDrift:
			applied++
		case StateFailed:
			failed++
		case StateSkipped:
			skipped++
		}
	}
	switch {
	case failed == 0 && skipped == 0:
		return RunSucceeded
	case applied > 0:
		return RunPartial
	default:
		return RunFailed
	}
}

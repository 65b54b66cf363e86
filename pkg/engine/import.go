package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/autoschematic-sh/autoschematic/pkg/outputs"
)

// Import scans a connector's remote resources and materializes them as
// local desired state files. subpath narrows the scan; "" scans everything
// the connector declares. Existing local files are kept untouched unless
// overwrite is set.
func (e *Engine) Import(ctx context.Context, prefix, connectorName, subpath string, overwrite bool) (*ImportReport, error) {
	start := time.Now()
	if e.metrics != nil {
		e.metrics.RecordRunStarted("import")
	}

	_, conn, err := e.connectorByName(ctx, prefix, connectorName)
	if err != nil {
		return nil, err
	}

	report := &ImportReport{Prefix: prefix, Connector: connectorName}
	dir := e.prefixDir(prefix)

	var scan []string
	if subpath != "" {
		scan = []string{subpath}
	} else {
		scan, err = conn.Subpaths(ctx)
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{})
	for _, sp := range scan {
		phyAddrs, err := conn.List(ctx, sp)
		if err != nil {
			return nil, err
		}
		for _, phy := range phyAddrs {
			phy = connector.NormalizeAddr(phy)
			if _, ok := seen[phy]; ok {
				continue
			}
			seen[phy] = struct{}{}

			imported, err := e.importOne(ctx, conn, dir, phy, overwrite)
			if err != nil {
				return nil, err
			}
			if imported != nil {
				report.Resources = append(report.Resources, *imported)
			}
		}
	}

	sort.Slice(report.Resources, func(i, j int) bool {
		return report.Resources[i].PhyAddr < report.Resources[j].PhyAddr
	})

	if e.metrics != nil {
		e.metrics.RecordRunCompleted("import", "succeeded", time.Since(start))
	}
	e.log.Info().
		Str("prefix", prefix).
		Str("connector", connectorName).
		Int("resources", len(report.Resources)).
		Msg("import complete")
	return report, nil
}

// importOne materializes a single discovered resource. The connector picks
// the virtual path; a physical address it cannot map is imported under its
// own address.
func (e *Engine) importOne(ctx context.Context, conn connector.Connector, dir, phy string, overwrite bool) (*ImportedResource, error) {
	virt, err := conn.AddrPhyToVirt(ctx, phy)
	if err != nil {
		return nil, err
	}
	if virt == "" {
		virt = phy
	}
	virt = connector.NormalizeAddr(virt)

	path := filepath.Join(dir, filepath.FromSlash(virt))
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return &ImportedResource{PhyAddr: phy, VirtAddr: virt, Skipped: true}, nil
		}
	}

	got, err := conn.Get(ctx, phy)
	if err != nil {
		return nil, err
	}
	if got == nil {
		// Listed but gone by the time we fetched it.
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, got.ResourceDefinition, 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", virt, err)
	}

	if len(got.Outputs) > 0 {
		if err := outputs.WriteMap(dir, virt, got.Outputs); err != nil {
			return nil, err
		}
		if phy != virt {
			if err := outputs.WriteLink(dir, phy, virt); err != nil {
				return nil, err
			}
		}
	}
	return &ImportedResource{PhyAddr: phy, VirtAddr: virt}, nil
}

// Skeletons returns the named connector's scaffolding templates.
func (e *Engine) Skeletons(ctx context.Context, prefix, connectorName string) ([]connector.Skeleton, error) {
	_, conn, err := e.connectorByName(ctx, prefix, connectorName)
	if err != nil {
		return nil, err
	}
	return conn.GetSkeletons(ctx)
}

// Diag runs the named connector's diagnostics over a resource body.
func (e *Engine) Diag(ctx context.Context, prefix, addr string, body []byte) ([]connector.Diagnostic, error) {
	cls, err := e.classify(ctx, prefix, addr)
	if err != nil {
		return nil, err
	}
	if cls == nil {
		return nil, fmt.Errorf("no connector claims %s", addr)
	}
	return cls.conn.Diag(ctx, addr, body)
}

// Docstring looks up connector documentation for an identifier at addr.
func (e *Engine) Docstring(ctx context.Context, prefix, addr string, ident connector.DocIdent) (string, error) {
	cls, err := e.classify(ctx, prefix, addr)
	if err != nil {
		return "", err
	}
	if cls == nil {
		return "", fmt.Errorf("no connector claims %s", addr)
	}
	return cls.conn.GetDocstring(ctx, addr, ident)
}

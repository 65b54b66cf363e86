package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/autoschematic-sh/autoschematic/pkg/config"
	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/autoschematic-sh/autoschematic/pkg/outputs"
	"github.com/autoschematic-sh/autoschematic/pkg/resolve"
	"github.com/autoschematic-sh/autoschematic/pkg/supervisor"
	"github.com/autoschematic-sh/autoschematic/pkg/telemetry"
)

// spawnFunc yields a live connector for a definition. The default goes
// through the supervisor; tests inject in-process connectors.
type spawnFunc func(ctx context.Context, key supervisor.Key, def *config.ConnectorDef) (connector.Connector, error)

// Engine drives planning, execution and import for every configured prefix.
// Desired state lives as files under root/<prefix>/; connectors own the
// remote side.
type Engine struct {
	root     string
	cfg      *config.RootConfig
	settings *config.Settings
	metrics  *telemetry.Metrics
	log      zerolog.Logger

	spawn spawnFunc
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// withSpawn substitutes the connector source, for tests.
func withSpawn(fn spawnFunc) EngineOption {
	return func(e *Engine) { e.spawn = fn }
}

// New creates an Engine rooted at the repository directory, drawing
// connector processes from sup.
func New(root string, cfg *config.RootConfig, settings *config.Settings, sup *supervisor.Supervisor, log zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		root:     root,
		cfg:      cfg,
		settings: settings,
		log:      log.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.spawn == nil {
		e.spawn = func(ctx context.Context, key supervisor.Key, def *config.ConnectorDef) (connector.Connector, error) {
			return sup.Spawn(ctx, key, def)
		}
	}
	return e
}

// prefixDir is the on-disk directory holding a prefix's desired state.
func (e *Engine) prefixDir(prefix string) string {
	return filepath.Join(e.root, prefix)
}

// classification is the result of routing an address to a connector.
type classification struct {
	def  *config.ConnectorDef
	conn connector.Connector
	resp connector.FilterResponse
}

// classify routes addr to the first configured connector that claims it.
// Connector order in the prefix config is significant: the first non-none
// response wins. Addresses no connector claims return a nil classification.
func (e *Engine) classify(ctx context.Context, prefix, addr string) (*classification, error) {
	pc, ok := e.cfg.Prefixes[prefix]
	if !ok {
		return nil, fmt.Errorf("no such prefix: %s", prefix)
	}
	for i := range pc.Connectors {
		def := &pc.Connectors[i]
		conn, err := e.spawn(ctx, supervisor.Key{Prefix: prefix, Name: def.Name}, def)
		if err != nil {
			return nil, err
		}
		resp, err := conn.Filter(ctx, addr)
		if err != nil {
			return nil, err
		}
		if resp != connector.FilterNone {
			return &classification{def: def, conn: conn, resp: resp}, nil
		}
	}
	return nil, nil
}

// connectorByName spawns the named connector for a prefix.
func (e *Engine) connectorByName(ctx context.Context, prefix, name string) (*config.ConnectorDef, connector.Connector, error) {
	pc, ok := e.cfg.Prefixes[prefix]
	if !ok {
		return nil, nil, fmt.Errorf("no such prefix: %s", prefix)
	}
	def := pc.Connector(name)
	if def == nil {
		return nil, nil, fmt.Errorf("no such connector in prefix %s: %s", prefix, name)
	}
	conn, err := e.spawn(ctx, supervisor.Key{Prefix: prefix, Name: def.Name}, def)
	if err != nil {
		return nil, nil, err
	}
	return def, conn, nil
}

// FileSet is the set of addresses a plan considers.
type FileSet struct {
	// Modified are addresses whose desired state file exists.
	Modified []string

	// Deleted are addresses whose desired state file was removed but whose
	// output records still exist: deletion candidates.
	Deleted []string
}

// DiscoverFiles walks a prefix directory and builds the full file set:
// every regular file is a modification candidate, and every output record
// without a matching file is a deletion candidate.
func (e *Engine) DiscoverFiles(prefix string) (*FileSet, error) {
	dir := e.prefixDir(prefix)
	fs := &FileSet{}

	present := make(map[string]struct{})
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			// Skip hidden directories, including the .outputs records.
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		addr := connector.NormalizeAddr(filepath.ToSlash(rel))
		present[addr] = struct{}{}
		fs.Modified = append(fs.Modified, addr)
		return nil
	})
	if err != nil {
		return nil, err
	}

	recorded, err := outputs.ListAddrs(dir)
	if err != nil {
		return nil, err
	}
	for _, addr := range recorded {
		if _, ok := present[addr]; !ok {
			fs.Deleted = append(fs.Deleted, addr)
		}
	}

	sort.Strings(fs.Modified)
	sort.Strings(fs.Deleted)
	return fs, nil
}

// Prefixes returns the configured prefix names in sorted order.
func (e *Engine) Prefixes() []string {
	names := make([]string, 0, len(e.cfg.Prefixes))
	for name := range e.cfg.Prefixes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// newResolver builds a per-run resolver seeded from the prefix's durable
// output records.
func (e *Engine) newResolver(prefix string) (*resolve.Resolver, error) {
	store, err := outputs.LoadPrefix(e.prefixDir(prefix))
	if err != nil {
		return nil, err
	}
	timeout := resolve.DefaultWaitTimeout
	if e.settings != nil && e.settings.ResolveTimeout > 0 {
		timeout = e.settings.ResolveTimeout
	}
	return resolve.New(store, e.log, timeout), nil
}

package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Loader reads user policies from the repository. A policy source is either
// a .rego file (metadata in leading comments) or a .json file holding a full
// Policy document. Directories are walked recursively.
type Loader struct {
	log     zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a policy loader.
func NewLoader(log zerolog.Logger) *Loader {
	return &Loader{
		log: log.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads every policy under the given file or directory paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, path := range paths {
		policies, err := l.loadPath(path)
		if err != nil {
			return nil, fmt.Errorf("loading policies from %s: %w", path, err)
		}
		all = append(all, policies...)
	}

	l.log.Info().
		Int("count", len(all)).
		Int("sources", len(paths)).
		Msg("policies loaded")
	return all, nil
}

func (l *Loader) loadPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return l.loadDir(path)
	}
	p, err := l.loadFile(path)
	if err != nil {
		return nil, err
	}
	return []Policy{*p}, nil
}

func (l *Loader) loadDir(dir string) ([]Policy, error) {
	var policies []Policy
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}
		p, err := l.loadFile(path)
		if err != nil {
			// A broken file must not take out the rest of the directory.
			l.log.Warn().Err(err).Str("path", path).Msg("skipping policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	return strings.HasSuffix(path, ".rego") || strings.HasSuffix(path, ".json")
}

func (l *Loader) loadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p *Policy
	switch {
	case strings.HasSuffix(path, ".rego"):
		p = parseRego(path, data)
	case strings.HasSuffix(path, ".json"):
		p, err = parseJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy file type: %s", path)
	}

	l.log.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Str("severity", string(p.Severity)).
		Msg("policy loaded")
	return p, nil
}

// parseRego builds a Policy from a .rego source file. The policy name comes
// from the filename; the leading comment block becomes the description, and
// a "# severity: <level>" line in it sets the default violation severity.
func parseRego(path string, data []byte) *Policy {
	name := strings.TrimSuffix(filepath.Base(path), ".rego")
	description, severity := parseHeader(string(data))
	if severity == "" {
		severity = SeverityWarning
	}
	now := time.Now()
	return &Policy{
		Name:        name,
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Metadata:    map[string]interface{}{"source": path},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// parseHeader reads the leading comment block of a rego file: every comment
// line up to the first non-comment line, with severity directives pulled out
// of the prose.
func parseHeader(content string) (string, Severity) {
	var desc strings.Builder
	var severity Severity

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(comment, "severity:"); ok {
			if s := Severity(strings.TrimSpace(rest)); validSeverity(s) {
				severity = s
			}
			continue
		}
		if desc.Len() > 0 {
			desc.WriteString(" ")
		}
		desc.WriteString(comment)
	}
	return desc.String(), severity
}

func validSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

func parseJSON(data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("policy document has no name")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	return &p, nil
}

// Watch reloads policies when a file under paths changes. Events are
// debounced so an editor save producing several writes reloads once.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("cannot watch policy path")
			continue
		}
		if info.IsDir() {
			err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return watcher.Add(p)
				}
				return nil
			})
		} else {
			err = watcher.Add(path)
		}
		if err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("cannot watch policy path")
		}
	}

	go l.watchLoop(ctx, paths, reload)
	l.log.Info().Int("paths", len(paths)).Msg("watching policy paths")
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, paths []string, reload func([]Policy) error) {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if !isPolicyFile(ev.Name) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				policies, err := l.LoadFromPaths(ctx, paths)
				if err != nil {
					l.log.Error().Err(err).Msg("policy reload failed")
					return
				}
				if err := reload(policies); err != nil {
					l.log.Error().Err(err).Msg("applying reloaded policies failed")
				}
			})
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.log.Error().Err(err).Msg("policy watcher error")
		}
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
)

// Record is the desired state body for one key, as written in the
// repository file kv/<name>.json.
type Record struct {
	// Value is the string value stored under the key.
	Value string `json:"value"`

	// Labels are optional free-form annotations on the key.
	Labels map[string]string `json:"labels,omitempty"`
}

// bundleEntry is one element of a *.kvbundle.json file.
type bundleEntry struct {
	Name   string            `json:"name"`
	Value  string            `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// storedEntry is one key in the backing store, carrying a revision counter
// bumped on every set.
type storedEntry struct {
	Value    string            `json:"value"`
	Labels   map[string]string `json:"labels,omitempty"`
	Revision int               `json:"revision"`
}

// kvOp is the serialized operation passed between Plan and OpExec.
type kvOp struct {
	Type   string            `json:"type"` // set or delete
	Value  string            `json:"value,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// KVConnector reconciles kv/<name>.json files against a JSON file acting
// as a remote key/value service. Physical addresses are the bare keys.
type KVConnector struct {
	connector.UnimplementedConnector

	path string
	log  zerolog.Logger

	mu sync.Mutex
}

// NewKVConnector creates a connector backed by the store file at path.
func NewKVConnector(path string, log zerolog.Logger) *KVConnector {
	return &KVConnector{path: path, log: log}
}

func (c *KVConnector) Init(ctx context.Context) error {
	// Creating the parent directory up front turns a misconfigured store
	// path into an init failure instead of a mid-run one.
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	return nil
}

func (c *KVConnector) Filter(ctx context.Context, addr string) (connector.FilterResponse, error) {
	addr = connector.NormalizeAddr(addr)
	switch {
	case strings.HasSuffix(addr, ".kvbundle.json"):
		return connector.FilterBundle, nil
	case strings.HasPrefix(addr, "kv/") && strings.HasSuffix(addr, ".json"):
		return connector.FilterResource, nil
	default:
		return connector.FilterNone, nil
	}
}

func (c *KVConnector) Subpaths(ctx context.Context) ([]string, error) {
	return []string{"kv/"}, nil
}

// List returns every stored key as a physical address, sorted.
func (c *KVConnector) List(ctx context.Context, subpath string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	store, err := c.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(store))
	for key := range store {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *KVConnector) Get(ctx context.Context, addr string) (*connector.GetResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	store, err := c.load()
	if err != nil {
		return nil, err
	}
	entry, ok := store[addr]
	if !ok {
		return nil, nil
	}

	body, err := json.MarshalIndent(Record{Value: entry.Value, Labels: entry.Labels}, "", "  ")
	if err != nil {
		return nil, err
	}
	return &connector.GetResult{
		ResourceDefinition: body,
		Outputs: connector.OutputMap{
			"key":      addr,
			"revision": strconv.Itoa(entry.Revision),
		},
	}, nil
}

func (c *KVConnector) Plan(ctx context.Context, addr string, current, desired []byte) ([]connector.Op, error) {
	if desired == nil {
		op, err := marshalOp(kvOp{Type: "delete"})
		if err != nil {
			return nil, err
		}
		return []connector.Op{{
			OpDefinition:    op,
			FriendlyMessage: fmt.Sprintf("Delete key %s", addr),
		}}, nil
	}

	var want Record
	if err := json.Unmarshal(desired, &want); err != nil {
		return nil, fmt.Errorf("invalid desired state for %s: %w", addr, err)
	}

	if current != nil {
		var have Record
		if err := json.Unmarshal(current, &have); err == nil && recordsEqual(have, want) {
			return nil, nil
		}
	}

	op, err := marshalOp(kvOp{Type: "set", Value: want.Value, Labels: want.Labels})
	if err != nil {
		return nil, err
	}
	verb := "Update"
	if current == nil {
		verb = "Create"
	}
	return []connector.Op{{
		OpDefinition:    op,
		WritesOutputs:   []string{"key", "revision"},
		FriendlyMessage: fmt.Sprintf("%s key %s", verb, addr),
	}}, nil
}

func (c *KVConnector) OpExec(ctx context.Context, addr string, op string) (*connector.OpExecResult, error) {
	var parsed kvOp
	if err := json.Unmarshal([]byte(op), &parsed); err != nil {
		return nil, fmt.Errorf("invalid op definition: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	store, err := c.load()
	if err != nil {
		return nil, err
	}

	switch parsed.Type {
	case "set":
		entry := store[addr]
		entry.Value = parsed.Value
		entry.Labels = parsed.Labels
		entry.Revision++
		store[addr] = entry
		if err := c.save(store); err != nil {
			return nil, err
		}
		revision := strconv.Itoa(entry.Revision)
		return &connector.OpExecResult{
			Outputs: connector.OutputMapExec{
				"key":      &addr,
				"revision": &revision,
			},
			FriendlyMessage: fmt.Sprintf("Set key %s at revision %s", addr, revision),
		}, nil

	case "delete":
		if _, ok := store[addr]; !ok {
			return &connector.OpExecResult{
				FriendlyMessage: fmt.Sprintf("Key %s already absent", addr),
			}, nil
		}
		delete(store, addr)
		if err := c.save(store); err != nil {
			return nil, err
		}
		return &connector.OpExecResult{
			Outputs: connector.OutputMapExec{
				"key":      nil,
				"revision": nil,
			},
			FriendlyMessage: fmt.Sprintf("Deleted key %s", addr),
		}, nil

	default:
		return nil, fmt.Errorf("unknown op type: %q", parsed.Type)
	}
}

// AddrVirtToPhy maps kv/<name>.json to the bare key name. Keys need no
// cross-resource outputs, so resolution is never deferred.
func (c *KVConnector) AddrVirtToPhy(ctx context.Context, addr string) (connector.VirtToPhyResult, error) {
	key, ok := keyFromAddr(addr)
	if !ok {
		return connector.VirtToPhyResult{}, fmt.Errorf("not a kv address: %s", addr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	store, err := c.load()
	if err != nil {
		return connector.VirtToPhyResult{}, err
	}
	if _, exists := store[key]; !exists {
		return connector.NotPresent(), nil
	}
	return connector.Present(key), nil
}

func (c *KVConnector) AddrPhyToVirt(ctx context.Context, addr string) (string, error) {
	return "kv/" + addr + ".json", nil
}

func (c *KVConnector) GetSkeletons(ctx context.Context) ([]connector.Skeleton, error) {
	body, err := json.MarshalIndent(Record{
		Value:  "example",
		Labels: map[string]string{"owner": "platform"},
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return []connector.Skeleton{
		{Addr: "kv/[name].json", Body: body},
	}, nil
}

func (c *KVConnector) GetDocstring(ctx context.Context, addr string, ident connector.DocIdent) (string, error) {
	switch {
	case ident.Kind == connector.DocIdentStruct && ident.Name == "Record":
		return "A **Record** is one key in the store: a string value plus optional labels.", nil
	case ident.Kind == connector.DocIdentField && ident.Parent == "Record" && ident.Name == "value":
		return "The string value stored under the key.", nil
	case ident.Kind == connector.DocIdentField && ident.Parent == "Record" && ident.Name == "labels":
		return "Optional free-form annotations on the key.", nil
	default:
		return "", nil
	}
}

// Eq compares bodies as parsed records so formatting differences never
// register as drift.
func (c *KVConnector) Eq(ctx context.Context, addr string, a, b []byte) (bool, error) {
	var ra, rb Record
	if err := json.Unmarshal(a, &ra); err != nil {
		return false, nil
	}
	if err := json.Unmarshal(b, &rb); err != nil {
		return false, nil
	}
	return recordsEqual(ra, rb), nil
}

func (c *KVConnector) Diag(ctx context.Context, addr string, body []byte) ([]connector.Diagnostic, error) {
	var diags []connector.Diagnostic

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		diags = append(diags, connector.Diagnostic{
			Severity: connector.DiagnosticError,
			Message:  fmt.Sprintf("invalid record body: %v", err),
		})
		return diags, nil
	}
	if rec.Value == "" {
		diags = append(diags, connector.Diagnostic{
			Severity: connector.DiagnosticWarning,
			Message:  "record has an empty value",
		})
	}
	return diags, nil
}

// Unbundle expands a *.kvbundle.json file holding an array of named entries
// into one virtual kv/<name>.json file per entry. Bundle files belong at the
// prefix root: element addresses are derived relative to the bundle's
// directory.
func (c *KVConnector) Unbundle(ctx context.Context, addr string, bundle []byte) ([]connector.UnbundleElement, error) {
	var entries []bundleEntry
	if err := json.Unmarshal(bundle, &entries); err != nil {
		return nil, fmt.Errorf("invalid bundle %s: %w", addr, err)
	}

	elements := make([]connector.UnbundleElement, 0, len(entries))
	for _, entry := range entries {
		if entry.Name == "" {
			return nil, fmt.Errorf("bundle %s has an entry without a name", addr)
		}
		body, err := json.MarshalIndent(Record{Value: entry.Value, Labels: entry.Labels}, "", "  ")
		if err != nil {
			return nil, err
		}
		elements = append(elements, connector.UnbundleElement{
			Filename: "kv/" + entry.Name + ".json",
			Contents: body,
		})
	}
	return elements, nil
}

// keyFromAddr extracts the key from a kv/<name>.json address.
func keyFromAddr(addr string) (string, bool) {
	addr = connector.NormalizeAddr(addr)
	if !strings.HasPrefix(addr, "kv/") || !strings.HasSuffix(addr, ".json") {
		return "", false
	}
	key := strings.TrimSuffix(strings.TrimPrefix(addr, "kv/"), ".json")
	if key == "" {
		return "", false
	}
	return key, true
}

func recordsEqual(a, b Record) bool {
	if a.Value != b.Value {
		return false
	}
	if len(a.Labels) == 0 && len(b.Labels) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Labels, b.Labels)
}

func marshalOp(op kvOp) (string, error) {
	buf, err := json.Marshal(op)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// load reads the backing store. A missing file is an empty store.
func (c *KVConnector) load() (map[string]storedEntry, error) {
	buf, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]storedEntry), nil
		}
		return nil, fmt.Errorf("failed to read store %s: %w", c.path, err)
	}
	store := make(map[string]storedEntry)
	if len(buf) > 0 {
		if err := json.Unmarshal(buf, &store); err != nil {
			return nil, fmt.Errorf("corrupt store %s: %w", c.path, err)
		}
	}
	return store, nil
}

// save writes the backing store atomically.
func (c *KVConnector) save(store map[string]storedEntry) error {
	buf, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

package outputs

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
)

// Output map files are the durable counterpart of the Store: they live under
// `{prefix}/.outputs/{addr}.out.json` and are committed to the repository
// alongside resource files. A file is either an output map for a virtual
// address, or a link from a physical address back to the virtual one, e.g.
//
//	.outputs/aws/vpc/vpcs/vpc-038598204.out.json -> link to "aws/vpc/vpcs/main.json"
//	.outputs/aws/vpc/vpcs/main.out.json          -> {"vpc_id": "vpc-038598204"}

// Dir is the directory under a prefix holding output map files.
const Dir = ".outputs"

// fileSuffix is appended to an address to form its output map filename.
const fileSuffix = ".out.json"

// maxLinkDepth bounds link-chain traversal so a corrupted repository cannot
// send resolution into an infinite loop.
const maxLinkDepth = 16

// MapFile is the on-disk form. Exactly one of Link and Outputs is set.
type MapFile struct {
	// Link points from a physical address file to the virtual address
	// owning the actual map.
	Link string `json:"link,omitempty"`

	// Outputs is the output map for a virtual address.
	Outputs connector.OutputMap `json:"outputs,omitempty"`
}

// FilePath returns the output map file path for addr under prefix. Path
// traversal components in addr are discarded.
func FilePath(prefix, addr string) string {
	addr = connector.NormalizeAddr(addr)

	parts := strings.Split(addr, "/")
	clean := parts[:0]
	for _, p := range parts {
		if p == ".." || p == "." || p == "" {
			continue
		}
		clean = append(clean, p)
	}
	if len(clean) == 0 {
		clean = []string{"root"}
	}

	rel := filepath.Join(clean...)
	return filepath.Join(prefix, Dir, rel+fileSuffix)
}

// ReadFile reads the output map file for addr. A nil result means no file
// exists.
func ReadFile(prefix, addr string) (*MapFile, error) {
	buf, err := os.ReadFile(FilePath(prefix, addr))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var mf MapFile
	if err := json.Unmarshal(buf, &mf); err != nil {
		return nil, fmt.Errorf("malformed output map file for %s: %w", addr, err)
	}
	return &mf, nil
}

// WriteMap writes an output map for a virtual address.
func WriteMap(prefix, addr string, outputs connector.OutputMap) error {
	return writeFile(prefix, addr, &MapFile{Outputs: outputs})
}

// WriteLink writes a link file from a physical address to its virtual one.
func WriteLink(prefix, phyAddr, virtAddr string) error {
	return writeFile(prefix, phyAddr, &MapFile{Link: connector.NormalizeAddr(virtAddr)})
}

func writeFile(prefix, addr string, mf *MapFile) error {
	path := FilePath(prefix, addr)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	buf, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(buf, '\n'), 0o644)
}

// Delete removes the output map file for addr. Returns the removed path, or
// "" when no file existed.
func Delete(prefix, addr string) (string, error) {
	path := FilePath(prefix, addr)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}

// ResolveVirt follows link files from a physical address to the virtual
// address that owns the output map. It returns "" when no file exists, and
// errors on link chains deeper than maxLinkDepth.
func ResolveVirt(prefix, addr string) (string, error) {
	for depth := 0; depth < maxLinkDepth; depth++ {
		mf, err := ReadFile(prefix, addr)
		if err != nil {
			return "", err
		}
		if mf == nil {
			return "", nil
		}
		if mf.Link == "" {
			return connector.NormalizeAddr(addr), nil
		}
		addr = mf.Link
	}
	return "", fmt.Errorf("output link chain for %s exceeds depth %d", addr, maxLinkDepth)
}

// GetValue reads a single output value for (addr, key), following links.
func GetValue(prefix, addr, key string) (string, bool, error) {
	virt, err := ResolveVirt(prefix, addr)
	if err != nil || virt == "" {
		return "", false, err
	}

	mf, err := ReadFile(prefix, virt)
	if err != nil || mf == nil {
		return "", false, err
	}
	v, ok := mf.Outputs[key]
	return v, ok, nil
}

// ApplyExec merges an op execution's outputs into the durable map for addr,
// following links to the owning virtual address first. An exec map that
// empties the file deletes it. Returns the written (or deleted) path and
// whether the file still exists.
func ApplyExec(prefix, addr string, exec connector.OutputMapExec) (string, bool, error) {
	virt, err := ResolveVirt(prefix, addr)
	if err != nil {
		return "", false, err
	}
	if virt == "" {
		virt = connector.NormalizeAddr(addr)
	}

	merged := connector.OutputMap{}
	if mf, err := ReadFile(prefix, virt); err != nil {
		return "", false, err
	} else if mf != nil {
		for k, v := range mf.Outputs {
			merged[k] = v
		}
	}

	for key, value := range exec {
		if value == nil {
			delete(merged, key)
			continue
		}
		merged[key] = *value
	}

	path := FilePath(prefix, virt)
	if len(merged) == 0 {
		if _, err := Delete(prefix, virt); err != nil {
			return "", false, err
		}
		return path, false, nil
	}

	if err := WriteMap(prefix, virt, merged); err != nil {
		return "", false, err
	}
	return path, true, nil
}

// ListAddrs returns the virtual addresses with persisted output maps under
// prefix, skipping link files.
func ListAddrs(prefix string) ([]string, error) {
	var addrs []string
	root := filepath.Join(prefix, Dir)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, fileSuffix) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		addr := strings.TrimSuffix(filepath.ToSlash(rel), fileSuffix)

		mf, err := ReadFile(prefix, addr)
		if err != nil || mf == nil || mf.Link != "" {
			return err
		}
		addrs = append(addrs, addr)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// LoadPrefix seeds a fresh Store from the persisted output map files under
// prefix. Link files are skipped; only maps carry values.
func LoadPrefix(prefix string) (*Store, error) {
	store := NewStore()
	root := filepath.Join(prefix, Dir)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, fileSuffix) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		addr := strings.TrimSuffix(filepath.ToSlash(rel), fileSuffix)

		mf, err := ReadFile(prefix, addr)
		if err != nil || mf == nil || mf.Link != "" {
			return err
		}
		store.PublishMap(addr, mf.Outputs)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return store, nil
}

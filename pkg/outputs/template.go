package outputs

import (
	"regexp"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
)

// Resource bodies reference other resources' outputs with the form
// out://{addr}[{key}]. The engine never interprets the values; it only
// substitutes them once available and tracks which are still missing.
var outRefPattern = regexp.MustCompile(`out://([^\[]+)\[([^\]]+)\]`)

// ExtractReads pulls every out:// reference out of a resource body.
func ExtractReads(body []byte) []connector.ReadOutput {
	var reads []connector.ReadOutput
	for _, m := range outRefPattern.FindAllSubmatch(body, -1) {
		reads = append(reads, connector.ReadOutput{
			Addr: connector.NormalizeAddr(string(m[1])),
			Key:  string(m[2]),
		})
	}
	return reads
}

// TemplateResult is a templated resource body plus the references that could
// not yet be satisfied.
type TemplateResult struct {
	Body    []byte
	Missing []connector.ReadOutput
}

// Template substitutes every satisfied out:// reference in body with its
// value from the store, leaving unsatisfied references in place and
// collecting them in Missing.
func Template(store *Store, body []byte) TemplateResult {
	seen := make(map[connector.ReadOutput]struct{})
	var missing []connector.ReadOutput

	templated := outRefPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		m := outRefPattern.FindSubmatch(match)
		ref := connector.ReadOutput{
			Addr: connector.NormalizeAddr(string(m[1])),
			Key:  string(m[2]),
		}
		if value, ok := store.Lookup(ref); ok {
			return []byte(value)
		}
		if _, dup := seen[ref]; !dup {
			seen[ref] = struct{}{}
			missing = append(missing, ref)
		}
		return match
	})

	return TemplateResult{Body: templated, Missing: missing}
}

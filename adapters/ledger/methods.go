package ledger

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
	"gopkg.in/yaml.v3"
)

//go:embed methods.yaml
var defaultMethods []byte

type apiMethods struct {
	Query  map[string][]string `yaml:"query"`
	Invoke map[string][]string `yaml:"invoke"`
}

type methodsFile struct {
	APIs  map[string]apiMethods `yaml:"apis"`
	Reads map[string]string     `yaml:"reads"`
}

type readTarget struct {
	api    string
	method string
	params []string
}

// MethodTable resolves contract argument names from a static table instead of
// probing the node with guesses at runtime.
type MethodTable struct {
	apis  map[string]apiMethods
	reads map[ports.ReadRole]readTarget
	// reader is the identity ground-truth queries are issued as.
	reader string
}

var _ ports.MethodTable = (*MethodTable)(nil)

// LoadMethodTable parses the table at path, or the embedded default when path is empty.
func LoadMethodTable(path, reader string) (*MethodTable, error) {
	data := defaultMethods
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read method table: %w", err)
		}
	}
	return ParseMethodTable(data, reader)
}

// ParseMethodTable builds a table from YAML and checks every read role resolves.
func ParseMethodTable(data []byte, reader string) (*MethodTable, error) {
	var f methodsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse method table: %w", err)
	}

	t := &MethodTable{
		apis:   f.APIs,
		reads:  make(map[ports.ReadRole]readTarget),
		reader: reader,
	}
	for _, role := range []ports.ReadRole{ports.ReadListing, ports.ReadCertified, ports.ReadOwner, ports.ReadCredits} {
		ref, ok := f.Reads[string(role)]
		if !ok {
			return nil, fmt.Errorf("method table: no method for read %q", role)
		}
		api, method, ok := strings.Cut(ref, ".")
		if !ok {
			return nil, fmt.Errorf("method table: read %q must be api.method, got %q", role, ref)
		}
		params, ok := f.APIs[api].Query[method]
		if !ok {
			return nil, fmt.Errorf("method table: read %q references unknown query %s", role, ref)
		}
		t.reads[role] = readTarget{api: api, method: method, params: params}
	}
	return t, nil
}

// Read builds a query request for role
func (t *MethodTable) Read(role ports.ReadRole, values ...any) (ports.QueryRequest, error) {
	target, ok := t.reads[role]
	if !ok {
		return ports.QueryRequest{}, fmt.Errorf("unknown read %q: %w", role, core.ErrUnknownMethod)
	}
	if len(values) != len(target.params) {
		return ports.QueryRequest{}, fmt.Errorf("read %q takes %d arguments, got %d", role, len(target.params), len(values))
	}

	args := make(map[string]any, len(values))
	for i, name := range target.params {
		args[name] = values[i]
	}
	return ports.QueryRequest{
		API:    target.api,
		Method: target.method,
		Args:   args,
		From:   t.reader,
	}, nil
}

// InvokeArgs validates and names the arguments of a write
func (t *MethodTable) InvokeArgs(api, method string, raw json.RawMessage) (map[string]any, error) {
	params, ok := t.apis[api].Invoke[method]
	if !ok {
		return nil, fmt.Errorf("%s.%s: %w", api, method, core.ErrUnknownMethod)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("[]")
	}

	args := make(map[string]any, len(params))
	switch raw[0] {
	case '[':
		var positional []any
		if err := decodeNumbers(raw, &positional); err != nil {
			return nil, fmt.Errorf("decode args: %w", core.ErrInvalidRequest)
		}
		if len(positional) != len(params) {
			return nil, fmt.Errorf("%s.%s takes %d arguments, got %d: %w", api, method, len(params), len(positional), core.ErrInvalidRequest)
		}
		for i, name := range params {
			args[name] = positional[i]
		}
	case '{':
		var named map[string]any
		if err := decodeNumbers(raw, &named); err != nil {
			return nil, fmt.Errorf("decode args: %w", core.ErrInvalidRequest)
		}
		for _, name := range params {
			v, ok := named[name]
			if !ok {
				return nil, fmt.Errorf("%s.%s: missing argument %q: %w", api, method, name, core.ErrInvalidRequest)
			}
			args[name] = v
		}
		if len(named) != len(params) {
			return nil, fmt.Errorf("%s.%s: unexpected arguments: %w", api, method, core.ErrInvalidRequest)
		}
	default:
		return nil, fmt.Errorf("args must be an array or object: %w", core.ErrInvalidRequest)
	}
	return args, nil
}

// decodeNumbers keeps numeric arguments as json.Number; token ids and prices
// routinely exceed float64 precision.
func decodeNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

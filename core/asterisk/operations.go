package asterisk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	invopop "github.com/invopop/jsonschema"
	"github.com/koscakluka/ari-core/core/events"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// The capability table replaces runtime method generation: it is built once
// from the in-code API description below, and resources reach operations
// through it by (kind, name) lookup. Argument shapes are declared as Go
// structs; their JSON schemas are reflected and compiled at build time so
// every invoke validates its arguments before a request goes out.

type operationKey struct {
	kind events.ResourceKind
	name string
}

type operation struct {
	method string
	path   string
	schema *jsonschema.Schema
}

type operationTable struct {
	operations map[operationKey]operation
}

func (t operationTable) lookup(kind events.ResourceKind, name string) (operation, bool) {
	op, ok := t.operations[operationKey{kind: kind, name: name}]
	return op, ok
}

func (o operation) expandPath(id string) string {
	return strings.ReplaceAll(o.path, "{id}", url.PathEscape(id))
}

// validate checks args against the operation's compiled argument schema.
// Operations without declared arguments accept none.
func (o operation) validate(args map[string]any) error {
	if o.schema == nil {
		if len(args) > 0 {
			return fmt.Errorf("operation takes no arguments, got %d", len(args))
		}
		return nil
	}

	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("failed to normalize arguments: %w", err)
	}
	if err := o.schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

type playArgs struct {
	Media string `json:"media"`
	Lang  string `json:"lang,omitempty"`
}

type hangupArgs struct {
	Reason string `json:"reason,omitempty"`
}

type continueArgs struct {
	Context   string `json:"context,omitempty"`
	Extension string `json:"extension,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

type addChannelArgs struct {
	Channel string `json:"channel"`
	Role    string `json:"role,omitempty"`
}

type removeChannelArgs struct {
	Channel string `json:"channel"`
}

type controlArgs struct {
	Operation string `json:"operation" jsonschema:"enum=restart,enum=pause,enum=unpause,enum=reverse,enum=forward"`
}

type descriptor struct {
	kind   events.ResourceKind
	name   string
	method string
	path   string
	args   any
}

var descriptors = []descriptor{
	{kind: events.ResourceChannel, name: "answer", method: "POST", path: "/channels/{id}/answer"},
	{kind: events.ResourceChannel, name: "ring", method: "POST", path: "/channels/{id}/ring"},
	{kind: events.ResourceChannel, name: "ringStop", method: "DELETE", path: "/channels/{id}/ring"},
	{kind: events.ResourceChannel, name: "hangup", method: "DELETE", path: "/channels/{id}", args: hangupArgs{}},
	{kind: events.ResourceChannel, name: "play", method: "POST", path: "/channels/{id}/play", args: playArgs{}},
	{kind: events.ResourceChannel, name: "continueInDialplan", method: "POST", path: "/channels/{id}/continue", args: continueArgs{}},
	{kind: events.ResourceChannel, name: "startSilence", method: "POST", path: "/channels/{id}/silence"},
	{kind: events.ResourceChannel, name: "stopSilence", method: "DELETE", path: "/channels/{id}/silence"},
	{kind: events.ResourceBridge, name: "addChannel", method: "POST", path: "/bridges/{id}/addChannel", args: addChannelArgs{}},
	{kind: events.ResourceBridge, name: "removeChannel", method: "POST", path: "/bridges/{id}/removeChannel", args: removeChannelArgs{}},
	{kind: events.ResourceBridge, name: "play", method: "POST", path: "/bridges/{id}/play", args: playArgs{}},
	{kind: events.ResourceBridge, name: "destroy", method: "DELETE", path: "/bridges/{id}"},
	{kind: events.ResourcePlayback, name: "stop", method: "DELETE", path: "/playbacks/{id}"},
	{kind: events.ResourcePlayback, name: "control", method: "POST", path: "/playbacks/{id}/control", args: controlArgs{}},
}

func buildOperationTable() (operationTable, error) {
	reflector := invopop.Reflector{DoNotReference: true}

	table := operationTable{operations: map[operationKey]operation{}}
	for _, d := range descriptors {
		op := operation{method: d.method, path: d.path}
		if d.args != nil {
			schema, err := compileArgsSchema(&reflector, d)
			if err != nil {
				return operationTable{}, fmt.Errorf("operation %s.%s: %w", d.kind, d.name, err)
			}
			op.schema = schema
		}
		table.operations[operationKey{kind: d.kind, name: d.name}] = op
	}
	return table, nil
}

func compileArgsSchema(reflector *invopop.Reflector, d descriptor) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(reflector.Reflect(d.args))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reflected schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	resource := fmt.Sprintf("mem://%s/%s.json", strings.ToLower(string(d.kind)), d.name)
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Params are decoded JSON invocation parameters.
type Params map[string]any

// String returns the named parameter if it is a string.
func (p Params) String(name string) (string, bool) {
	v, ok := p[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Int returns the named parameter if it is a whole number.
func (p Params) Int(name string) (int, bool) {
	switch v := p[name].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// Bool returns the named parameter if it is a boolean.
func (p Params) Bool(name string) (bool, bool) {
	b, ok := p[name].(bool)
	return b, ok
}

// Strings returns the named parameter if it is a list of strings.
func (p Params) Strings(name string) ([]string, bool) {
	switch v := p[name].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// missing returns the first required parameter that is absent, null or a
// blank string.
func (p Params) missing(required ...string) string {
	for _, name := range required {
		v, ok := p[name]
		if !ok || v == nil {
			return name
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return name
		}
	}
	return ""
}

// checkParams enforces required fields, then the handler's JSON schema.
// It returns a failure result and false when the parameters are unusable.
func checkParams(h Handler, params Params, required ...string) (Result, bool) {
	if name := params.missing(required...); name != "" {
		return Fail("missing required parameter: " + name), false
	}
	if h.ParameterSchema() == "" {
		return Result{}, true
	}
	schema, err := compileSchema(h.Name(), h.ParameterSchema())
	if err != nil {
		return Fail("invalid parameter schema for " + h.Name()), false
	}
	decoded, err := normalizeJSON(params)
	if err != nil {
		return Fail("parameters are not valid JSON"), false
	}
	if err := schema.Validate(decoded); err != nil {
		return Fail(schemaError(err)), false
	}
	return Result{}, true
}

var schemaCache sync.Map

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(schema); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", schema)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(schema, compiled)
	return compiled, nil
}

// normalizeJSON round-trips params so Go-typed values validate like wire values.
func normalizeJSON(params Params) (any, error) {
	if params == nil {
		params = Params{}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// schemaError names the failing location and rule without echoing values.
func schemaError(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "invalid parameters"
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		return fmt.Sprintf("invalid parameters: %s", leaf.Message)
	}
	return fmt.Sprintf("invalid parameter %s: %s", loc, leaf.Message)
}

package workflow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Parameters holds the named arguments passed to a flow or task run.
type Parameters map[string]any

// ParameterKind identifies the expected type of a declared parameter.
type ParameterKind string

const (
	// KindAny accepts any value without coercion.
	KindAny ParameterKind = "any"
	// KindString expects a string value.
	KindString ParameterKind = "string"
	// KindInt expects an integer value, coercing from floats and numeric strings.
	KindInt ParameterKind = "int"
	// KindFloat expects a float value, coercing from ints and numeric strings.
	KindFloat ParameterKind = "float"
	// KindBool expects a boolean value, coercing from "true"/"false" strings.
	KindBool ParameterKind = "bool"
)

// ParameterSpec declares one expected parameter of a flow.
type ParameterSpec struct {
	// Name is the parameter name looked up in the Parameters map
	Name string

	// Kind is the expected type
	Kind ParameterKind

	// Required marks the parameter as mandatory; missing required
	// parameters fail validation
	Required bool

	// Default is used when the parameter is absent and not required
	Default any
}

// ParameterTypeError reports parameters that failed type validation.
// The flow run is recorded as failed without invoking the body.
type ParameterTypeError struct {
	// FlowName is the flow whose parameters failed validation
	FlowName string

	// Fields maps parameter name to a description of the mismatch
	Fields map[string]string
}

func (e *ParameterTypeError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Fields[name]))
	}
	return fmt.Sprintf("flow %q received invalid parameters: %s", e.FlowName, strings.Join(parts, "; "))
}

// resolveParameters validates params against the declared specs, applying
// defaults and coercing values. It returns the resolved parameter map or a
// ParameterTypeError describing every field that failed.
func resolveParameters(flowName string, specs []ParameterSpec, params Parameters) (Parameters, error) {
	if len(specs) == 0 {
		return params, nil
	}

	resolved := make(Parameters, len(params))
	for k, v := range params {
		resolved[k] = v
	}

	fields := make(map[string]string)
	for _, spec := range specs {
		value, ok := resolved[spec.Name]
		if !ok {
			if spec.Required {
				fields[spec.Name] = "required parameter missing"
			} else if spec.Default != nil {
				resolved[spec.Name] = spec.Default
			}
			continue
		}

		coerced, err := coerceValue(spec.Kind, value)
		if err != nil {
			fields[spec.Name] = err.Error()
			continue
		}
		resolved[spec.Name] = coerced
	}

	if len(fields) > 0 {
		return nil, &ParameterTypeError{FlowName: flowName, Fields: fields}
	}
	return resolved, nil
}

func coerceValue(kind ParameterKind, value any) (any, error) {
	switch kind {
	case KindAny, "":
		return value, nil

	case KindString:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected string, got %T", value)

	case KindInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v == float64(int(v)) {
				return int(v), nil
			}
			return nil, fmt.Errorf("expected int, got non-integral float %v", v)
		case string:
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("expected int, got %q", v)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("expected int, got %T", value)
		}

	case KindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("expected float, got %q", v)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("expected float, got %T", value)
		}

	case KindBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("expected bool, got %q", v)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("expected bool, got %T", value)
		}

	default:
		return nil, fmt.Errorf("unknown parameter kind %q", kind)
	}
}

// Package iot exposes the device's controllable "things" to the server.
//
// A [Thing] declares typed properties, read on every state snapshot, and
// methods the server may invoke. The [Manager] is the registry: it renders
// the descriptor list sent once per channel, produces full or delta state
// snapshots, and dispatches invoke commands by thing and method name.
package iot

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrUnknownThing is returned when a command names no registered thing.
	ErrUnknownThing = errors.New("iot: unknown thing")

	// ErrUnknownMethod is returned when a thing has no such method.
	ErrUnknownMethod = errors.New("iot: unknown method")

	// ErrInvalidParam is returned for a missing or mistyped parameter.
	ErrInvalidParam = errors.New("iot: invalid parameter")

	// ErrDuplicateThing is returned by Manager.Add for a name already taken.
	ErrDuplicateThing = errors.New("iot: duplicate thing")
)

// ValueType is the wire type of a property or parameter.
type ValueType string

const (
	TypeBoolean ValueType = "boolean"
	TypeNumber  ValueType = "number"
	TypeString  ValueType = "string"
	TypeArray   ValueType = "array"
)

// Property is a readable thing attribute.
type Property struct {
	Name        string
	Description string
	Type        ValueType
	Get         func() any
}

// Parameter is one argument of a [Method].
type Parameter struct {
	Name        string
	Description string
	Type        ValueType
}

// Method is an operation the server can invoke.
type Method struct {
	Name        string
	Description string
	Parameters  []Parameter
	Call        func(ctx context.Context, params Params) (any, error)
}

// Params are the arguments of one invocation, already checked against the
// method's parameter list.
type Params map[string]any

// Number returns the named parameter as a float64.
func (p Params) Number(name string) float64 {
	v, _ := p[name].(float64)
	return v
}

// Bool returns the named parameter as a bool.
func (p Params) Bool(name string) bool {
	v, _ := p[name].(bool)
	return v
}

// Text returns the named parameter as a string.
func (p Params) Text(name string) string {
	v, _ := p[name].(string)
	return v
}

// Thing is one controllable device component.
type Thing struct {
	name        string
	description string
	properties  []Property
	methods     []Method
}

// NewThing returns a thing without properties or methods.
func NewThing(name, description string) *Thing {
	return &Thing{name: name, description: description}
}

// Name returns the thing name.
func (t *Thing) Name() string { return t.name }

// Description returns the human-readable description.
func (t *Thing) Description() string { return t.description }

// AddProperty registers p and returns t for chaining.
func (t *Thing) AddProperty(p Property) *Thing {
	t.properties = append(t.properties, p)
	return t
}

// AddMethod registers m and returns t for chaining.
func (t *Thing) AddMethod(m Method) *Thing {
	t.methods = append(t.methods, m)
	return t
}

// Properties returns the registered properties.
func (t *Thing) Properties() []Property { return slices.Clone(t.properties) }

// Methods returns the registered methods.
func (t *Thing) Methods() []Method { return slices.Clone(t.methods) }

type fieldDescriptor struct {
	Description string    `json:"description"`
	Type        ValueType `json:"type"`
}

type methodDescriptor struct {
	Description string                     `json:"description"`
	Parameters  map[string]fieldDescriptor `json:"parameters"`
}

type thingDescriptor struct {
	Name        string                      `json:"name"`
	Description string                      `json:"description"`
	Properties  map[string]fieldDescriptor  `json:"properties"`
	Methods     map[string]methodDescriptor `json:"methods"`
}

type thingState struct {
	Name  string         `json:"name"`
	State map[string]any `json:"state"`
}

func (t *Thing) descriptor() thingDescriptor {
	d := thingDescriptor{
		Name:        t.name,
		Description: t.description,
		Properties:  make(map[string]fieldDescriptor, len(t.properties)),
		Methods:     make(map[string]methodDescriptor, len(t.methods)),
	}
	for _, p := range t.properties {
		d.Properties[p.Name] = fieldDescriptor{Description: p.Description, Type: p.Type}
	}
	for _, m := range t.methods {
		md := methodDescriptor{Description: m.Description, Parameters: make(map[string]fieldDescriptor, len(m.Parameters))}
		for _, p := range m.Parameters {
			md.Parameters[p.Name] = fieldDescriptor{Description: p.Description, Type: p.Type}
		}
		d.Methods[m.Name] = md
	}
	return d
}

func (t *Thing) state() thingState {
	s := thingState{Name: t.name, State: make(map[string]any, len(t.properties))}
	for _, p := range t.properties {
		s.State[p.Name] = p.Get()
	}
	return s
}

// Invoke calls the named method after checking params.
func (t *Thing) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	i := slices.IndexFunc(t.methods, func(m Method) bool { return m.Name == method })
	if i < 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, t.name, method)
	}
	m := t.methods[i]
	checked, err := checkParams(m, params)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", t.name, method, err)
	}
	return m.Call(ctx, checked)
}

func checkParams(m Method, params map[string]any) (Params, error) {
	out := make(Params, len(m.Parameters))
	for _, p := range m.Parameters {
		v, ok := params[p.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %q missing", ErrInvalidParam, p.Name)
		}
		v, ok = coerce(p.Type, v)
		if !ok {
			return nil, fmt.Errorf("%w: %q must be %s", ErrInvalidParam, p.Name, p.Type)
		}
		out[p.Name] = v
	}
	return out, nil
}

// coerce normalises JSON-decoded values; numbers may arrive as any numeric
// Go type when params were built in code.
func coerce(t ValueType, v any) (any, bool) {
	switch t {
	case TypeBoolean:
		b, ok := v.(bool)
		return b, ok
	case TypeString:
		s, ok := v.(string)
		return s, ok
	case TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, true
		case float32:
			return float64(n), true
		case int:
			return float64(n), true
		case int64:
			return float64(n), true
		}
		return nil, false
	case TypeArray:
		switch a := v.(type) {
		case []any:
			return a, true
		case []string:
			return a, true
		}
		return nil, false
	}
	return v, true
}

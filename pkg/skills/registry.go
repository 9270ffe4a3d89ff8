package skills

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/kurir/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// NamePattern is the namespaced skill name format, e.g. "files.read".
var NamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)

var (
	ErrNotFound = errors.New("skill not found")
	ErrFrozen   = errors.New("skill registry is frozen")
)

// Param declares one argument of a skill.
type Param struct {
	Name        string
	Type        string // string, number, integer, boolean, object, array
	Description string
	Required    bool
	Default     interface{}
	Enum        []string
}

// Handler runs a skill. args have already been validated and coerced.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Skill is a registered tool the model can call.
type Skill struct {
	Name        string
	Description string
	Params      []Param
	Category    Category
	AdminOnly   bool
	// ContextParam names the argument that receives the conversation id
	// when the model leaves it out.
	ContextParam string
	Handler      Handler

	schema    *gojsonschema.Schema
	schemaDoc map[string]interface{}
}

// Schema returns the JSON schema document used for validation. Providers
// send it as the tool's input schema.
func (s *Skill) Schema() map[string]interface{} {
	return s.schemaDoc
}

// ParamNames returns the declared argument names.
func (s *Skill) ParamNames() []string {
	names := make([]string, len(s.Params))
	for i, p := range s.Params {
		names[i] = p.Name
	}
	return names
}

// PanicError is returned by Execute when the handler panicked.
type PanicError struct {
	Skill string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("skill %s panicked: %v", e.Skill, e.Value)
}

// Execute runs the handler, converting a panic into *PanicError.
func (s *Skill) Execute(ctx context.Context, args map[string]interface{}) (out string, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Skill: s.Name, Value: r, Stack: debug.Stack()}
		}
		observability.RecordToolExecution(s.Name, time.Since(start), err == nil)
	}()
	return s.Handler(ctx, args)
}

// ValidationError lists schema violations for one call.
type ValidationError struct {
	Skill    string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Skill, strings.Join(e.Problems, "; "))
}

// Registry holds skills by name. It is populated at startup and then frozen;
// lookups after Freeze take no locks on the hot path beyond a read lock.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]*Skill)}
}

// Register validates the definition, compiles its schema and adds it.
func (r *Registry) Register(s Skill) error {
	if err := validateDefinition(s); err != nil {
		return fmt.Errorf("invalid skill definition: %w", err)
	}
	if s.Category == "" {
		s.Category = CategoryGeneral
	}

	doc := buildSchema(s.Params)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", s.Name, err)
	}
	s.schema = schema
	s.schemaDoc = doc

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}
	if _, exists := r.skills[s.Name]; exists {
		return fmt.Errorf("skill %s already registered", s.Name)
	}
	r.skills[s.Name] = &s

	log.Debug().Str("skill", s.Name).Str("category", string(s.Category)).Msg("Skill registered")
	return nil
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the skill or ErrNotFound.
func (r *Registry) Lookup(name string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.skills[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s, nil
}

// List returns all skills sorted by name.
func (r *Registry) List() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate coerces args to the declared types and checks them against the
// skill's schema. The input map is not modified.
func (r *Registry) Validate(name string, args map[string]interface{}) (map[string]interface{}, error) {
	s, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return s.Validate(args)
}

// Validate coerces and checks args for this skill.
func (s *Skill) Validate(args map[string]interface{}) (map[string]interface{}, error) {
	coerced := Coerce(s.Params, args)

	result, err := s.schema.Validate(gojsonschema.NewGoLoader(coerced))
	if err != nil {
		return nil, fmt.Errorf("failed to validate arguments for %s: %w", s.Name, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, &ValidationError{Skill: s.Name, Problems: problems}
	}
	return coerced, nil
}

var validTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateDefinition(s Skill) error {
	if !NamePattern.MatchString(s.Name) {
		return fmt.Errorf("name %q must look like namespace.action", s.Name)
	}
	if s.Description == "" {
		return errors.New("description cannot be empty")
	}
	if s.Handler == nil {
		return errors.New("handler cannot be nil")
	}
	if s.Category != "" && !IsValidCategory(string(s.Category)) {
		return fmt.Errorf("invalid category %s", s.Category)
	}

	seen := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		if p.Name == "" {
			return errors.New("parameter name cannot be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %s", p.Name)
		}
		seen[p.Name] = true
		if !validTypes[p.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
	}
	if s.ContextParam != "" && !seen[s.ContextParam] {
		return fmt.Errorf("context parameter %s is not declared", s.ContextParam)
	}
	return nil
}

func buildSchema(params []Param) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, p := range params {
		prop := map[string]interface{}{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			enum := make([]interface{}, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	doc := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

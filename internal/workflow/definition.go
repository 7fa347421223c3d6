package workflow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	resolvedSchema *jsonschema.Resolved
	schemaErr      error
)

// Definition is the declarative form of a workflow as loaded from YAML.
type Definition struct {
	ID               string      `yaml:"id" json:"id"`
	Name             string      `yaml:"name" json:"name"`
	Intent           string      `yaml:"intent,omitempty" json:"intent,omitempty"`
	EntryPoint       string      `yaml:"entry_point" json:"entry_point"`
	ExitPoints       []string    `yaml:"exit_points" json:"exit_points"`
	EstimatedCostUSD float64     `yaml:"estimated_cost_usd,omitempty" json:"estimated_cost_usd,omitempty"`
	Nodes            []Node      `yaml:"nodes" json:"nodes"`
	Edges            []Edge      `yaml:"edges,omitempty" json:"edges,omitempty"`
	RetryPolicy      RetryPolicy `yaml:"retry_policy,omitempty" json:"retry_policy,omitempty"`
}

// RetryPolicy bounds retries of failed node actions.
type RetryPolicy struct {
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

type document struct {
	Workflow Definition `yaml:"workflow"`
}

func schema() (*jsonschema.Resolved, error) {
	schemaOnce.Do(func() {
		var s jsonschema.Schema
		if err := json.Unmarshal(schemaJSON, &s); err != nil {
			schemaErr = fmt.Errorf("parsing workflow schema: %w", err)
			return
		}
		resolvedSchema, schemaErr = s.Resolve(nil)
	})
	return resolvedSchema, schemaErr
}

// ParseDefinition decodes a YAML workflow definition after validating it
// against the workflow JSON schema.
func ParseDefinition(data []byte) (*Definition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, invalidDefinition("workflow definition is not valid YAML: %v", err)
	}
	if raw == nil {
		return nil, invalidDefinition("workflow definition is empty")
	}

	// The schema validator works on JSON values.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, invalidDefinition("workflow definition cannot be represented as JSON: %v", err)
	}
	var instance any
	if err := json.Unmarshal(asJSON, &instance); err != nil {
		return nil, invalidDefinition("workflow definition cannot be represented as JSON: %v", err)
	}

	resolved, err := schema()
	if err != nil {
		return nil, err
	}
	if err := resolved.Validate(instance); err != nil {
		return nil, invalidDefinition("workflow definition does not match schema: %v", err)
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, invalidDefinition("decoding workflow definition: %v", err)
	}
	return &doc.Workflow, nil
}

// LoadFile reads and parses a workflow definition file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow definition %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Message = path + ": " + verr.Message
		}
		return nil, err
	}
	return def, nil
}

// Graph builds the immutable graph described by the definition.
func (d *Definition) Graph() (*Graph, error) {
	return New(Spec{
		ID:               d.ID,
		Name:             d.Name,
		Intent:           d.Intent,
		EntryPoint:       d.EntryPoint,
		ExitPoints:       d.ExitPoints,
		EstimatedCostUSD: d.EstimatedCostUSD,
		Nodes:            d.Nodes,
		Edges:            d.Edges,
		MaxRetries:       d.RetryPolicy.MaxRetries,
	})
}

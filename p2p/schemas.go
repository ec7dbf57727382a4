package p2p

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schemas.yaml
var defaultSchemaDocument []byte

const schemaBaseURL = "mem://nhbpeer/replies/"

// ErrNoSchema is returned when an endpoint has no registered reply schema.
var ErrNoSchema = errors.New("p2p: no reply schema for endpoint")

// ReplySchemas maps event names to the compiled JSON Schema their replies
// must satisfy.
type ReplySchemas struct {
	endpoints map[string]*jsonschema.Schema
}

// ParseReplySchemas compiles a YAML document whose top-level keys are event
// names and whose values are draft-07 JSON Schemas.
func ParseReplySchemas(doc []byte) (*ReplySchemas, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("p2p: parse reply schemas: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	for name, schema := range raw {
		if schema == nil {
			return nil, fmt.Errorf("p2p: empty reply schema for %s", name)
		}
		body, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("p2p: reply schema %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaBaseURL+name, bytes.NewReader(body)); err != nil {
			return nil, fmt.Errorf("p2p: reply schema %s: %w", name, err)
		}
	}
	endpoints := make(map[string]*jsonschema.Schema, len(raw))
	for name := range raw {
		compiled, err := compiler.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("p2p: compile reply schema %s: %w", name, err)
		}
		endpoints[name] = compiled
	}
	return &ReplySchemas{endpoints: endpoints}, nil
}

// DefaultReplySchemas returns the schemas compiled into the binary.
func DefaultReplySchemas() *ReplySchemas {
	schemas, err := ParseReplySchemas(defaultSchemaDocument)
	if err != nil {
		panic(err)
	}
	return schemas
}

// Endpoints lists the events with a registered schema.
func (s *ReplySchemas) Endpoints() []string {
	out := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks raw against the schema registered for endpoint. An empty
// reply is validated as null.
func (s *ReplySchemas) Validate(endpoint string, raw json.RawMessage) error {
	schema, ok := s.endpoints[endpoint]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSchema, endpoint)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		trimmed = []byte("null")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidReply, endpoint, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInvalidReply, endpoint, describe(err))
	}
	return nil
}

// describe flattens a validation error to its innermost causes, one per
// failing instance location.
func describe(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	location := leaf.InstanceLocation
	if location == "" {
		location = "/"
	}
	return location + ": " + leaf.Message
}

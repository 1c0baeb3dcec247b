package gateway

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaSources holds one JSON Schema literal per REST body shape (spec.md
// §6.1). Compiled once in newSchemas; validated against the decoded request
// body before it is unmarshaled into a domain type, so a malformed request
// fails with ERR_BAD_REQUEST before ever reaching the Hub.
var schemaSources = map[string]string{
	"person": `{
		"type": "object",
		"properties": {
			"id": {"type": "integer"},
			"name": {"type": "string", "minLength": 1}
		},
		"required": ["name"]
	}`,
	"runner": `{
		"type": "object",
		"properties": {
			"id": {"type": "integer"},
			"participant": {"type": "integer"},
			"stream_volume_percent": {"type": "integer", "minimum": 0, "maximum": 100}
		},
		"required": ["participant"]
	}`,
	"idOnly": `{
		"type": "object",
		"properties": {"id": {"type": "integer"}},
		"required": ["id"]
	}`,
	"event": `{
		"type": "object",
		"properties": {
			"id": {"type": "integer"},
			"name": {"type": "string", "minLength": 1}
		},
		"required": ["name"]
	}`,
	"stream": `{
		"type": "object",
		"properties": {
			"event": {"type": "integer"},
			"obs_host": {"type": "string", "minLength": 1},
			"requested_layout": {"type": "string", "minLength": 1}
		},
		"required": ["event", "obs_host", "requested_layout"]
	}`,
	"hostsToggle": `{
		"type": "object",
		"properties": {
			"host": {"type": "string", "minLength": 1},
			"streaming": {"type": "boolean"}
		},
		"required": ["host", "streaming"]
	}`,
	"discordVolume": `{
		"type": "object",
		"properties": {
			"host": {"type": "string", "minLength": 1},
			"user": {"type": "string", "minLength": 1},
			"volume": {"type": "integer", "minimum": 0, "maximum": 100}
		},
		"required": ["host", "user", "volume"]
	}`,
	"customField": `{
		"type": "object",
		"properties": {
			"key": {"type": "string", "minLength": 1},
			"value": {"type": "string"}
		},
		"required": ["key", "value"]
	}`,
	"command": `{
		"type": "object",
		"properties": {
			"line": {"type": "string", "minLength": 1}
		},
		"required": ["line"]
	}`,
	"timer": `{
		"type": "object",
		"properties": {
			"event": {"type": "integer"},
			"action": {"type": "string", "enum": ["start", "stop"]}
		},
		"required": ["event", "action"]
	}`,
}

// schemas compiles schemaSources once at Server construction time.
type schemas struct {
	byName map[string]*jsonschema.Schema
}

func newSchemas() (*schemas, error) {
	compiler := jsonschema.NewCompiler()
	for name, src := range schemaSources {
		url := "mem://" + name + ".json"
		if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}
	out := &schemas{byName: make(map[string]*jsonschema.Schema, len(schemaSources))}
	for name := range schemaSources {
		sch, err := compiler.Compile("mem://" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out.byName[name] = sch
	}
	return out, nil
}

// validate runs v (typically a map[string]interface{} from json.Unmarshal)
// against the named schema.
func (s *schemas) validate(name string, v interface{}) error {
	sch, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("no schema registered for %q", name)
	}
	return sch.Validate(v)
}

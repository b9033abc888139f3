package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const emptySchema = `{"type": "object", "additionalProperties": false}`

const settingsSchema = `{
	"type": "object",
	"properties": {
		"viewport": {
			"type": "object",
			"properties": {
				"preset": {"type": "string"},
				"width": {"type": "integer", "minimum": 0},
				"height": {"type": "integer", "minimum": 0}
			}
		},
		"direction": {"enum": ["", "ltr", "rtl"]},
		"output_format": {"enum": ["", "pdf", "zip"]},
		"mode": {"enum": ["", "capture_only", "capture_and_transcribe"]},
		"model": {"type": "string"},
		"style": {"enum": ["", "plain", "markdown"]},
		"credential": {"type": "string"},
		"cost_limit": {"type": "number", "minimum": 0}
	}
}`

// requestSchemas holds the payload schema of every command.
var requestSchemas = map[Type]string{
	TypeStart: `{
		"type": "object",
		"required": ["tab_id"],
		"properties": {
			"viewport_id": {"type": "string"},
			"tab_id": {"type": "string", "minLength": 1},
			"settings": ` + settingsSchema + `
		}
	}`,
	TypeStop:   emptySchema,
	TypeStatus: emptySchema,
	TypeTranscribe: `{
		"type": "object",
		"required": ["page_index"],
		"properties": {
			"page_index": {"type": "integer", "minimum": 0},
			"credential": {"type": "string"},
			"model": {"type": "string"}
		}
	}`,
	TypeExport: `{
		"type": "object",
		"properties": {
			"format": {"enum": ["", "pdf", "zip"]},
			"style": {"enum": ["", "plain", "markdown"]},
			"transcribe": {"type": "boolean"},
			"credential": {"type": "string"},
			"model": {"type": "string"}
		}
	}`,
	TypeLedger:      emptySchema,
	TypeResetLedger: emptySchema,
}

const ledgerResultSchema = `{
	"type": "object",
	"required": ["cumulative_cost", "currency"],
	"properties": {
		"cumulative_cost": {"type": "number", "minimum": 0},
		"currency": {"type": "string"}
	}
}`

// responseSchemas holds the schema of every command's response.
var responseSchemas = map[Type]string{
	TypeStart: `{
		"type": "object",
		"required": ["status", "session_id"],
		"properties": {
			"status": {"const": "accepted"},
			"session_id": {"type": "string", "minLength": 1}
		}
	}`,
	TypeStop: `{
		"type": "object",
		"required": ["status"],
		"properties": {"status": {"const": "stopped"}}
	}`,
	TypeStatus: `{
		"type": "object",
		"required": ["active", "state", "session_page_count", "total_pages", "last_message"],
		"properties": {
			"active": {"type": "boolean"},
			"state": {"enum": ["idle", "starting", "capturing", "stopping"]},
			"session_id": {"type": "string"},
			"session_page_count": {"type": "integer", "minimum": 0},
			"total_pages": {"type": "integer", "minimum": 0},
			"title": {"type": "string"},
			"last_message": {"type": "string"}
		}
	}`,
	TypeTranscribe: `{
		"type": "object",
		"required": ["text"],
		"properties": {"text": {"type": "string"}}
	}`,
	TypeExport: `{
		"type": "object",
		"required": ["path", "format", "pages"],
		"properties": {
			"path": {"type": "string"},
			"format": {"enum": ["pdf", "zip"]},
			"pages": {"type": "integer", "minimum": 1},
			"transcript_path": {"type": "string"},
			"transcribed": {"type": "integer"},
			"failed": {"type": "integer"}
		}
	}`,
	TypeLedger:      ledgerResultSchema,
	TypeResetLedger: ledgerResultSchema,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func requestSchemaName(t Type) string  { return "request/" + strings.ToLower(string(t)) + ".json" }
func responseSchemaName(t Type) string { return "response/" + strings.ToLower(string(t)) + ".json" }

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	resources := make(map[string]string)
	for t, s := range requestSchemas {
		resources[requestSchemaName(t)] = s
	}
	for t, s := range responseSchemas {
		resources[responseSchemaName(t)] = s
	}
	for name, s := range resources {
		if err := compiler.AddResource(name, strings.NewReader(s)); err != nil {
			compileErr = fmt.Errorf("failed to load schema %s: %w", name, err)
			return
		}
	}
	compiled = make(map[string]*jsonschema.Schema, len(resources))
	for name := range resources {
		schema, err := compiler.Compile(name)
		if err != nil {
			compileErr = fmt.Errorf("failed to compile schema %s: %w", name, err)
			return
		}
		compiled[name] = schema
	}
}

func validate(name string, raw []byte) error {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return compileErr
	}
	schema, ok := compiled[name]
	if !ok {
		return fmt.Errorf("%w: no schema %s", ErrUnknownCommand, name)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// ValidateResponse checks a response value against the schema for t.
func ValidateResponse(t Type, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return validate(responseSchemaName(t), raw)
}

// Schema returns the raw request and response schemas for t.
func Schema(t Type) (request, response string, ok bool) {
	request, ok = requestSchemas[t]
	if !ok {
		return "", "", false
	}
	return request, responseSchemas[t], true
}

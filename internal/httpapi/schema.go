package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request bodies on the bulk sync paths come from agents of varying vintage,
// so they are schema-checked before any field is trusted. The CRUD paths keep
// plain decoding; their inputs are fully server-assigned anyway.

const reconcileSchemaJSON = `{
	"type": "object",
	"required": ["device_id", "contacts"],
	"properties": {
		"device_id": {"type": "string", "minLength": 1},
		"contacts": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "last_modified"],
				"properties": {
					"id": {"type": "string"},
					"client_name": {"type": "string"},
					"agent_name": {"type": "string"},
					"phone1": {"type": "string"},
					"phone2": {"type": "string"},
					"phone3": {"type": "string"},
					"state": {"type": "string"},
					"date": {"type": "string"},
					"version": {"type": "integer", "minimum": 0},
					"deleted": {"type": "boolean"},
					"created_at": {"type": "string"},
					"last_modified": {"type": "string"}
				}
			}
		}
	}
}`

const ackSchemaJSON = `{
	"type": "object",
	"required": ["device_id", "message_uuids"],
	"properties": {
		"device_id": {"type": "string", "minLength": 1},
		"message_uuids": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		}
	}
}`

var (
	reconcileSchema = mustCompileSchema("reconcile.json", reconcileSchemaJSON)
	ackSchema       = mustCompileSchema("ack.json", ackSchemaJSON)
)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return schema
}

func validateBody(w http.ResponseWriter, schema *jsonschema.Schema, body []byte) bool {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	if err := schema.Validate(instance); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	return true
}

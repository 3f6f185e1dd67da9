// Package actions defines the finite set of agent action proposals, their
// payload schemas, and the ledger-backed apply/undo machinery. Actions are
// inert proposals until a human applies them.
package actions

import (
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Action type identifiers. The set is closed; a new action requires a new
// schema file and an apply/undo arm.
const (
	TypeProjectSetStar     = "project_set_star"
	TypeProjectSetHidden   = "project_set_hidden"
	TypeProjectSetSuccess  = "project_set_success"
	TypeWorkOrderCreate    = "work_order_create"
	TypeWorkOrderUpdate    = "work_order_update"
	TypeWorkOrderSetStatus = "work_order_set_status"
	TypeReposRescan        = "repos_rescan"
	TypeWorkOrderStartRun  = "work_order_start_run"
	TypeWorktreeMerge      = "worktree_merge"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	compileOnce      sync.Once
	payloadSchemas   map[string]*jsonschema.Schema
	payloadRaw       map[string]string
	responseSchema   []byte
	responseCompiled *jsonschema.Schema
	compileErr       error
)

// Types returns the action type set, sorted.
func Types() []string {
	loadSchemas()
	types := make([]string, 0, len(payloadSchemas))
	for t := range payloadSchemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Known reports whether t is a recognized action type.
func Known(t string) bool {
	loadSchemas()
	_, ok := payloadSchemas[t]
	return ok
}

// ValidatePayload checks an action payload against its type's schema.
func ValidatePayload(actionType string, payload json.RawMessage) error {
	loadSchemas()
	if compileErr != nil {
		return compileErr
	}
	schema, ok := payloadSchemas[actionType]
	if !ok {
		return fmt.Errorf("unknown action type %q", actionType)
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return fmt.Errorf("action payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("action %s payload: %w", actionType, err)
	}
	return nil
}

// ResponseSchema returns the JSON schema the agent's final message must
// match: {reply, needs_user_input, actions}.
func ResponseSchema() []byte {
	loadSchemas()
	return responseSchema
}

// ValidateResponse checks a final agent message against the response
// schema and every carried action payload against its type schema.
func ValidateResponse(raw []byte) error {
	loadSchemas()
	if compileErr != nil {
		return compileErr
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("final message is not valid JSON: %w", err)
	}
	if err := responseCompiled.Validate(value); err != nil {
		return fmt.Errorf("final message: %w", err)
	}

	var response struct {
		Actions []Action `json:"actions"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return fmt.Errorf("failed to decode actions: %w", err)
	}
	for i, action := range response.Actions {
		if err := ValidatePayload(action.Type, action.Payload); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// Catalog renders the action types and their payload schemas as a plain
// text block for prompt composition.
func Catalog() string {
	loadSchemas()
	var b strings.Builder
	for _, t := range Types() {
		b.WriteString(t)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(payloadRaw[t]))
		b.WriteString("\n")
	}
	return b.String()
}

func loadSchemas() {
	compileOnce.Do(func() {
		payloadSchemas = make(map[string]*jsonschema.Schema)
		payloadRaw = make(map[string]string)

		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			compileErr = fmt.Errorf("failed to read embedded schemas: %w", err)
			return
		}

		compiler := jsonschema.NewCompiler()
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			data, err := schemaFS.ReadFile("schemas/" + entry.Name())
			if err != nil {
				compileErr = fmt.Errorf("failed to read schema %s: %w", entry.Name(), err)
				return
			}
			name := strings.TrimSuffix(entry.Name(), ".json")
			var doc any
			if err := json.Unmarshal(data, &doc); err != nil {
				compileErr = fmt.Errorf("schema %s is not valid JSON: %w", entry.Name(), err)
				return
			}
			if err := compiler.AddResource(entry.Name(), doc); err != nil {
				compileErr = fmt.Errorf("failed to register schema %s: %w", entry.Name(), err)
				return
			}
			if name == "response" {
				responseSchema = data
			} else {
				payloadRaw[name] = string(data)
			}
			names = append(names, name)
		}

		for _, name := range names {
			schema, err := compiler.Compile(name + ".json")
			if err != nil {
				compileErr = fmt.Errorf("failed to compile schema %s: %w", name, err)
				return
			}
			if name == "response" {
				responseCompiled = schema
			} else {
				payloadSchemas[name] = schema
			}
		}
	})
}

// Package graphcheck provides JSON schema validation for task graphs
// before execution begins.
package graphcheck

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lightningloop/invene/pkg/types"
)

// Checker validates task graphs against the embedded schema.
type Checker struct {
	schema *jsonschema.Schema
}

// ValidationError represents a single validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err converts a failed result into a single error, nil when valid.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Path, e.Message))
	}
	return fmt.Errorf("invalid task graph: %s", strings.Join(parts, "; "))
}

// New creates a checker with the embedded task graph schema.
func New() (*Checker, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("taskgraph.json", strings.NewReader(taskGraphSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add taskgraph schema: %w", err)
	}
	schema, err := compiler.Compile("taskgraph.json")
	if err != nil {
		return nil, fmt.Errorf("compile taskgraph schema: %w", err)
	}

	return &Checker{schema: schema}, nil
}

// Validate checks a task graph. Structural problems the scheduler
// tolerates (cycles, missing dependency IDs) are not rejected here; this
// guards field shapes only.
func (c *Checker) Validate(graph *types.TaskGraph) *ValidationResult {
	raw, err := json.Marshal(graph)
	if err != nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Path: "$", Message: fmt.Sprintf("encode graph: %v", err)}},
		}
	}
	return c.ValidateJSON(raw)
}

// ValidateJSON checks a JSON-encoded task graph.
func (c *Checker) ValidateJSON(data []byte) *ValidationResult {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)}},
		}
	}

	err := c.schema.Validate(doc)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
	}
	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}
	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}
	return errors
}

// Embedded JSON schema

const taskGraphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "taskgraph.json",
  "title": "Task Graph",
  "description": "Schema for relay task graphs",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "graph_id": {
      "type": "string",
      "description": "Graph identifier assigned by the relay"
    },
    "created_at": {
      "type": "string",
      "description": "Creation timestamp"
    },
    "user_request": {
      "type": "string",
      "description": "Original user request the graph was generated from"
    },
    "slider_preset": {
      "type": "object",
      "properties": {
        "verbosity": {"type": "string", "enum": ["low", "medium", "high"]},
        "autonomy": {"type": "string", "enum": ["low", "medium", "high"]},
        "risk_tolerance": {"type": "string", "enum": ["safe", "aggressive"]}
      },
      "description": "Generation sliders"
    },
    "inputs": {
      "type": "object",
      "description": "Free-form graph inputs"
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["node_id", "title", "node_type", "objective"],
        "properties": {
          "node_id": {
            "type": "string",
            "minLength": 1,
            "description": "Node identifier, unique within the graph"
          },
          "title": {
            "type": "string",
            "minLength": 1,
            "description": "Human-readable node title"
          },
          "node_type": {
            "type": "string",
            "enum": ["planning", "execution", "validation", "doc_index", "memory", "output"],
            "description": "Node category"
          },
          "objective": {
            "type": "string",
            "description": "What the node should accomplish"
          },
          "constraints": {
            "type": "array",
            "items": {"type": "string"},
            "description": "Constraints on how the objective is met"
          },
          "success_checks": {
            "type": "array",
            "items": {"type": "string"},
            "description": "Checks that define completion"
          },
          "doc_refs": {
            "type": "array",
            "items": {"type": "string"},
            "description": "Referenced document IDs"
          },
          "dependencies": {
            "type": "array",
            "items": {"type": "string"},
            "description": "IDs of nodes that must finish first"
          },
          "ralph_profile": {
            "type": "string",
            "description": "Agent profile used to execute the node"
          }
        }
      },
      "description": "Nodes in the task graph"
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from_node_id", "to_node_id"],
        "properties": {
          "from_node_id": {
            "type": "string",
            "description": "Source node ID"
          },
          "to_node_id": {
            "type": "string",
            "description": "Destination node ID"
          },
          "edge_type": {
            "type": "string",
            "enum": ["depends_on", "uses_doc", "produces_artifact"],
            "description": "Edge category"
          }
        }
      },
      "description": "Edges in the task graph"
    }
  }
}`

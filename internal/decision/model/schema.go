package model

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaKind selects one of the exported JSON schema documents.
type SchemaKind string

const (
	KindExecutionNode SchemaKind = "execution_node"
	KindExecutionPlan SchemaKind = "execution_plan"
)

// nodeSchemaJSON validates a single planned node. node_id is optional
// because missing ids are auto-assigned after validation; the action
// block is where malformed plans usually fail.
const nodeSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "ExecutionNode",
  "type": "object",
  "required": ["action"],
  "properties": {
    "node_id": {"type": "string", "minLength": 1},
    "parent_id": {"type": ["string", "null"]},
    "child_ids": {"type": "array", "items": {"type": "string"}},
    "execution_order_priority": {"type": "integer"},
    "action": {
      "type": "object",
      "required": ["tool_name", "tool_args", "reasoning", "confidence_score", "expected_outcome"],
      "properties": {
        "tool_name": {"type": "string", "minLength": 1},
        "tool_args": {"type": "object"},
        "reasoning": {"type": "string", "minLength": 1},
        "confidence_score": {"type": "number", "minimum": 0, "maximum": 1},
        "expected_outcome": {"type": "string", "minLength": 1},
        "max_attempts": {"type": "integer", "minimum": 1, "maximum": 5},
        "execution_timeout_seconds": {"type": "integer", "minimum": 1},
        "wait_for_condition_after": {"type": ["string", "null"]},
        "on_failure_action": {"type": "string", "enum": ["RE_EVALUATE", "ABORT", "SKIP", "RETRY_ONLY"]}
      }
    },
    "current_status": {"type": "string", "enum": ["PENDING", "RUNNING", "SUCCESS", "FAILED", "PRUNED", "SKIPPED"]},
    "required_precondition": {"type": "string"},
    "expected_cost_units": {"type": "integer", "minimum": 0}
  }
}`

const planSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "ExecutionPlan",
  "type": "object",
  "required": ["execution_plan"],
  "properties": {
    "execution_plan": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "execution_node.json"}
    }
  }
}`

var (
	schemaOnce sync.Once
	nodeSchema *jsonschema.Schema
	planSchema *jsonschema.Schema
	schemaErr  error
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	if schemaErr = c.AddResource("execution_node.json", strings.NewReader(nodeSchemaJSON)); schemaErr != nil {
		return
	}
	if schemaErr = c.AddResource("execution_plan.json", strings.NewReader(planSchemaJSON)); schemaErr != nil {
		return
	}
	if nodeSchema, schemaErr = c.Compile("execution_node.json"); schemaErr != nil {
		return
	}
	planSchema, schemaErr = c.Compile("execution_plan.json")
}

// SchemaJSON returns the raw schema document for kind.
func SchemaJSON(kind SchemaKind) (string, error) {
	switch kind {
	case KindExecutionNode:
		return nodeSchemaJSON, nil
	case KindExecutionPlan:
		return planSchemaJSON, nil
	default:
		return "", fmt.Errorf("unknown schema kind %q", kind)
	}
}

// NodeSchema returns the compiled single-node schema.
func NodeSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return nil, schemaErr
	}
	return nodeSchema, nil
}

// PlanSchema returns the compiled plan-envelope schema.
func PlanSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return nil, schemaErr
	}
	return planSchema, nil
}

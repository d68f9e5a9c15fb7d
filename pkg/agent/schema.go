package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BrianMills2718/agent-ecology2-sub000/pkg/executor"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// actionSchema validates the model's action JSON before it reaches the
// executor. Malformed output becomes a parse failure fed back into the
// agent's failure buffer, never a kernel error.
const actionSchema = `{
  "type": "object",
  "required": ["action_type", "reasoning"],
  "properties": {
    "action_type": {
      "type": "string",
      "enum": ["noop", "read_artifact", "write_artifact", "edit_artifact",
               "delete_artifact", "invoke_artifact", "transfer", "mint",
               "query_kernel", "subscribe_artifact", "unsubscribe_artifact"]
    },
    "reasoning": {"type": "string", "minLength": 1},
    "situation_assessment": {"type": "string"},
    "action_rationale": {"type": "string"},
    "target": {"type": "string"},
    "content": {},
    "patch": {"type": "object"},
    "access_contract_id": {"type": "string"},
    "has_standing": {"type": "boolean"},
    "metadata": {"type": "object"},
    "method": {"type": "string"},
    "args": {"type": "array"},
    "recipient": {"type": "string"},
    "amount": {"type": "integer", "minimum": 1},
    "memo": {"type": "string"},
    "reason": {"type": "string"},
    "query_type": {"type": "string"},
    "params": {"type": "object"}
  }
}`

const oodaSchema = `{
  "type": "object",
  "required": ["situation_assessment", "action_rationale"],
  "properties": {
    "situation_assessment": {"type": "string", "minLength": 1},
    "action_rationale": {"type": "string", "minLength": 1}
  }
}`

// Validator checks model output against the action schema, with an extra
// requirement pass in ooda mode.
type Validator struct {
	action *jsonschema.Schema
	ooda   *jsonschema.Schema
	strict bool // ooda mode
}

func NewValidator(ooda bool) (*Validator, error) {
	compile := func(name, schema string) (*jsonschema.Schema, error) {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://eris.schemas.local/agent/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("action schema load failed: %w", err)
		}
		return c.Compile(url)
	}
	action, err := compile("action", actionSchema)
	if err != nil {
		return nil, err
	}
	oodaCompiled, err := compile("ooda", oodaSchema)
	if err != nil {
		return nil, err
	}
	return &Validator{action: action, ooda: oodaCompiled, strict: ooda}, nil
}

// Parse validates raw model output and decodes it into an intent. The
// returned error message is written for the model: it names the missing or
// invalid field so the next attempt can fix it.
func (v *Validator) Parse(raw string) (*executor.ActionIntent, error) {
	raw = stripFences(raw)
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := v.action.Validate(decoded); err != nil {
		return nil, fmt.Errorf("action rejected: %w", err)
	}
	if v.strict {
		if err := v.ooda.Validate(decoded); err != nil {
			return nil, fmt.Errorf("ooda mode requires situation_assessment and action_rationale: %w", err)
		}
	}
	return executor.ParseIntent([]byte(raw))
}

// stripFences removes a markdown code fence if the model wrapped its JSON in
// one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

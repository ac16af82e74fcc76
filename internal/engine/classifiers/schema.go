package classifiers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/guardclaw/internal/engine"
)

// scoreSchemaJSON describes an acceptable classifier response.
const scoreSchemaJSON = `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score":     {"type": "number", "minimum": 0, "maximum": 10},
		"category":  {"type": "string"},
		"reasoning": {"type": "string"},
		"allowed":   {"type": "boolean"},
		"warnings":  {"type": "array", "items": {"type": "string"}}
	}
}`

var scoreSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var schemaObj any
	if err := json.Unmarshal([]byte(scoreSchemaJSON), &schemaObj); err != nil {
		return nil, fmt.Errorf("score schema unmarshal: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("score.json", schemaObj); err != nil {
		return nil, fmt.Errorf("score schema compile: %w", err)
	}
	return c.Compile("score.json")
})

// parseScore extracts the first JSON object from body, validates it against
// the score schema, and decodes it. Classifiers fronted by a language model
// often wrap the object in prose, so leading text is skipped.
func parseScore(name string, body []byte) (*engine.ScoreResult, error) {
	raw, err := extractJSONObject(body)
	if err != nil {
		return nil, engine.NewClassifierError(name, engine.ErrKindMalformed, err)
	}

	sch, err := scoreSchema()
	if err != nil {
		return nil, engine.NewClassifierError(name, engine.ErrKindMalformed, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, engine.NewClassifierError(name, engine.ErrKindMalformed, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, engine.NewClassifierError(name, engine.ErrKindMalformed,
			fmt.Errorf("schema validation failed: %w", err))
	}

	var res engine.ScoreResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, engine.NewClassifierError(name, engine.ErrKindMalformed, err)
	}
	return &res, nil
}

func extractJSONObject(body []byte) (json.RawMessage, error) {
	start := bytes.IndexByte(body, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in response: %q", truncate(string(body), 120))
	}
	var raw json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(body[start:])).Decode(&raw); err != nil {
		return nil, fmt.Errorf("unparseable JSON object: %w", err)
	}
	return raw, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

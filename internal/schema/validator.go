package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"flagwatch/internal/model"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// Result reports whether a payload matched the status schema. Validation
// never fails hard; callers decide whether to reject the payload.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validator checks third-party status payloads against the wire contract
// before they are trusted. Compiled schemas are cached in an expirable LRU
// keyed by schema name.
type Validator struct {
	compiler *js.Compiler
	cache    *expirable.LRU[string, *js.Schema]
}

func NewValidator() *Validator {
	c := js.NewCompiler()
	c.ExtractAnnotations = true
	return &Validator{
		compiler: c,
		cache:    expirable.NewLRU[string, *js.Schema](16, nil, time.Hour),
	}
}

// statusSchema is the contract a custom source's UserStatus payload must
// satisfy. The reasons value shape depends on the source's reason format.
func statusSchema(format model.ReasonFormat) map[string]interface{} {
	reasonKeyPattern := `^[0-9]+$`
	if format == model.ReasonFormatString {
		reasonKeyPattern = `^.+$`
	}
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"id", "flagType"},
		"properties": map[string]interface{}{
			"id":         map[string]interface{}{"type": "number"},
			"flagType":   map[string]interface{}{"type": "number"},
			"confidence": map[string]interface{}{"type": "number"},
			"reasons": map[string]interface{}{
				"type": "object",
				"patternProperties": map[string]interface{}{
					reasonKeyPattern: map[string]interface{}{"type": "object"},
				},
			},
			"badges": map[string]interface{}{
				"type":     "array",
				"maxItems": 3,
				"items": map[string]interface{}{
					"type":     "object",
					"required": []interface{}{"text"},
					"properties": map[string]interface{}{
						"text":      map[string]interface{}{"type": "string"},
						"color":     map[string]interface{}{"type": "string"},
						"textColor": map[string]interface{}{"type": "string"},
					},
				},
			},
		},
	}
}

func (v *Validator) compiled(name string, doc map[string]interface{}) (*js.Schema, error) {
	if s, ok := v.cache.Get(name); ok {
		return s, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	resourceURL := fmt.Sprintf("mem://schema/%s.json", name)
	if err := v.compiler.AddResource(resourceURL, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := v.compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	v.cache.Add(name, compiled)
	return compiled, nil
}

// ValidateUserStatus checks one status payload against the contract
func (v *Validator) ValidateUserStatus(raw json.RawMessage, format model.ReasonFormat) Result {
	if format == "" {
		format = model.ReasonFormatNumeric
	}
	compiled, err := v.compiled("user_status_"+string(format), statusSchema(format))
	if err != nil {
		return Result{Valid: false, Errors: []string{err.Error()}}
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return Result{Valid: false, Errors: []string{"payload is not valid JSON"}}
	}
	obj, ok := value.(map[string]interface{})
	if !ok {
		return Result{Valid: false, Errors: []string{"payload must be an object"}}
	}

	if err := compiled.Validate(obj); err != nil {
		return Result{Valid: false, Errors: flattenValidationError(err)}
	}
	return Result{Valid: true}
}

// ValidateBatch checks a batch payload: an object keyed by entity ID with
// each value independently validated against the status schema
func (v *Validator) ValidateBatch(raw json.RawMessage, format model.ReasonFormat) (map[string]Result, error) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: batch data must be an object keyed by entity ID", ErrInvalidFormat)
	}
	results := make(map[string]Result, len(entries))
	for id, entry := range entries {
		results[id] = v.ValidateUserStatus(entry, format)
	}
	return results, nil
}

func flattenValidationError(err error) []string {
	if ve, ok := err.(*js.ValidationError); ok {
		leaves := ve.BasicOutput().Errors
		msgs := make([]string, 0, len(leaves))
		for _, e := range leaves {
			if e.Error == "" {
				continue
			}
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", loc, e.Error))
		}
		if len(msgs) > 0 {
			return msgs
		}
	}
	return []string{err.Error()}
}

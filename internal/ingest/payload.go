package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/cuongbtq/photoshoot-be/internal/domain"
	"github.com/cuongbtq/photoshoot-be/internal/renderer"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const callbackSchemaJSON = `{
	"type": "object",
	"required": ["prompt"],
	"properties": {
		"prompt": {
			"type": "object",
			"required": ["id", "images"],
			"properties": {
				"id": {"type": ["string", "integer"]},
				"images": {"type": "array", "items": {"type": "string"}}
			}
		}
	}
}`

var callbackSchema = jsonschema.MustCompileString("callback.json", callbackSchemaJSON)

type callbackBody struct {
	Prompt renderer.Prompt `json:"prompt"`
}

// ParsePayload checks the callback body shape and returns the provider job.
// A missing or non-list image field is domain.ErrMalformedCallback.
func ParsePayload(body []byte) (*renderer.Prompt, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCallback, err)
	}
	if err := callbackSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCallback, err)
	}

	var cb callbackBody
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCallback, err)
	}
	if cb.Prompt.ID == "" {
		return nil, fmt.Errorf("%w: empty job id", domain.ErrMalformedCallback)
	}
	return &cb.Prompt, nil
}

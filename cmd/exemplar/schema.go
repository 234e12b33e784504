package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/p3394/exemplar/pkg/config"
)

// SchemaCmd generates the JSON Schema for the configuration file. Output
// goes to stdout so it can be redirected.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://p3394.org/schemas/exemplar-config.json"
	schema.Title = "P3394 Exemplar Gateway Configuration"
	schema.Description = "Configuration schema for the exemplar agent-interface gateway"
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.Examples = []interface{}{
		map[string]interface{}{
			"agent": map[string]interface{}{
				"id":   "exemplar",
				"name": "P3394 Exemplar Agent",
			},
			"llm": map[string]interface{}{
				"provider": "anthropic",
				"api_key":  "${ANTHROPIC_API_KEY}",
			},
			"channels": map[string]interface{}{
				"terminal": map[string]interface{}{
					"enabled": true,
					"socket":  "/tmp/exemplar.sock",
				},
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("encoding schema: %w", err)
	}
	return nil
}

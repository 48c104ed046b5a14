package openai

import "encoding/json"

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

func newResponseFormat(name string, schema json.RawMessage) *responseFormat {
	if name == "" || len(schema) == 0 {
		return nil
	}
	return &responseFormat{
		Type:       "json_schema",
		JSONSchema: jsonSchemaConfig{Name: name, Strict: true, Schema: schema},
	}
}

// memoryFactsSchema constrains replies to {"facts":[...]}, one entry per
// extracted fact.
var memoryFactsSchema = json.RawMessage(`{
	"type":"object",
	"additionalProperties":false,
	"properties":{
		"facts":{
			"type":"array",
			"items":{
				"type":"object",
				"additionalProperties":false,
				"properties":{
					"category":{"type":"string","enum":["preference","contact","fact"]},
					"key":{"type":"string"},
					"value":{"type":"string"},
					"confidence":{"type":"number"}
				},
				"required":["category","key","value","confidence"]
			}
		}
	},
	"required":["facts"]
}`)

func memoryFactsFormat() *responseFormat {
	return newResponseFormat("memory_facts", memoryFactsSchema)
}

package normalize

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/qhub/pkg/contracts"
)

const schemaBase = "https://qhub.schemas.local/problem/"

var kindSchemas = map[contracts.ProblemKind]string{
	contracts.KindQUBO: `{
		"type": "object",
		"required": ["matrix"],
		"additionalProperties": false,
		"properties": {
			"variables": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"matrix": {"type": "array", "minItems": 1, "items": {"type": "array", "items": {"type": "number"}}},
			"constraints": {"type": "array", "items": {"$ref": "#/$defs/constraint"}},
			"offset": {"type": "number"}
		},
		"$defs": {
			"constraint": {
				"type": "object",
				"required": ["coefficients", "sense", "rhs"],
				"additionalProperties": false,
				"properties": {
					"coefficients": {"type": "object", "minProperties": 1, "additionalProperties": {"type": "number"}},
					"sense": {"enum": ["<=", ">=", "=="]},
					"rhs": {"type": "number"},
					"penalty": {"type": "number", "minimum": 0}
				}
			}
		}
	}`,
	contracts.KindIsing: `{
		"type": "object",
		"required": ["h", "j"],
		"additionalProperties": false,
		"properties": {
			"spins": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"h": {"type": "array", "minItems": 1, "items": {"type": "number"}},
			"j": {"type": "array", "items": {"type": "array", "items": {"type": "number"}}},
			"offset": {"type": "number"}
		}
	}`,
	contracts.KindTextGeneration: `{
		"type": "object",
		"required": ["prompt"],
		"additionalProperties": false,
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"system": {"type": "string"},
			"model": {"type": "string"},
			"max_tokens": {"type": "integer", "minimum": 1, "maximum": 131072},
			"temperature": {"type": "number", "minimum": 0, "maximum": 2}
		}
	}`,
	contracts.KindPortfolio: `{
		"type": "object",
		"required": ["assets", "expected_returns", "covariance", "budget"],
		"additionalProperties": false,
		"properties": {
			"assets": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"expected_returns": {"type": "array", "items": {"type": "number"}},
			"covariance": {"type": "array", "items": {"type": "array", "items": {"type": "number"}}},
			"budget": {"type": "integer", "minimum": 1},
			"risk_aversion": {"type": "number", "minimum": 0},
			"penalty": {"type": "number", "minimum": 0}
		}
	}`,
	contracts.KindCustom: `{
		"type": "object",
		"required": ["solver", "input"],
		"additionalProperties": false,
		"properties": {
			"solver": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_-]*$"},
			"input": {}
		}
	}`,
}

func compileSchemas() (map[contracts.ProblemKind]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	out := make(map[contracts.ProblemKind]*jsonschema.Schema, len(kindSchemas))
	for kind, src := range kindSchemas {
		url := schemaBase + strings.ToLower(string(kind)) + ".schema.json"
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("load %s schema: %w", kind, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		out[kind] = s
	}
	return out, nil
}

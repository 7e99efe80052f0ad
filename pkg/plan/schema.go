package plan

// Schema is the JSON Schema a plan returned by the planning backend must
// satisfy before it is accepted.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "goal": {
      "type": "string"
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["step", "description", "agent"],
        "properties": {
          "step": {
            "type": "integer"
          },
          "description": {
            "type": "string",
            "minLength": 1
          },
          "agent": {
            "type": "string",
            "minLength": 1
          },
          "model": {
            "type": ["string", "null"]
          },
          "reasoning": {
            "type": "string"
          },
          "requiredFiles": {
            "type": "array",
            "items": { "type": "string" }
          }
        }
      }
    },
    "estimatedComplexity": {
      "type": "string",
      "enum": ["low", "medium", "high"]
    }
  }
}`

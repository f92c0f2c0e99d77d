package agent

import "github.com/xeipuuv/gojsonschema"

// deltaBatchSchema validates the traffic ingestion payload before it is
// decoded. Agents run on remote hosts we do not control, so malformed
// batches must be rejected at the door rather than half-applied.
const deltaBatchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["gatewayId", "uploadBytes", "downloadBytes", "timestamp"],
    "properties": {
      "gatewayId": {"type": "string", "minLength": 1},
      "domain": {"type": "string"},
      "ip": {"type": "string"},
      "sourceIP": {"type": "string"},
      "chains": {
        "type": "array",
        "items": {"type": "string", "minLength": 1}
      },
      "rule": {"type": "string"},
      "rulePayload": {"type": "string"},
      "uploadBytes": {"type": "integer", "minimum": 0},
      "downloadBytes": {"type": "integer", "minimum": 0},
      "timestamp": {"type": "integer", "minimum": 0}
    },
    "additionalProperties": false
  }
}`

func compileBatchSchema() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(deltaBatchSchema))
}

package grammar

import (
	"strings"

	"github.com/ollama/enforcer/grammar/jsonschema"
)

// JSONSchema compiles a JSON Schema into a Parser that accepts the JSON
// documents it describes. schema may be JSON text or a decoded map.
func JSONSchema(schema any) (Parser, error) {
	src, err := jsonschema.EBNF(schema)
	if err != nil {
		return nil, newParseError(KindJSONSchema, err)
	}
	p, err := newEarley(KindJSONSchema, "schema", strings.NewReader(src), "root")
	if err != nil {
		return nil, err
	}
	return p, nil
}

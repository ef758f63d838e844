package paygate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidator builds a Service validate func from a JSON schema.
// Validation failures carry the invalid_service_input code so the
// boundary maps them to 400 without a job being created.
func SchemaValidator(schema json.RawMessage) func(input json.RawMessage) error {
	schemaLoader := gojsonschema.NewBytesLoader(schema)

	return func(input json.RawMessage) error {
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		documentLoader := gojsonschema.NewBytesLoader(input)

		result, err := gojsonschema.Validate(schemaLoader, documentLoader)
		if err != nil {
			return NewPaymentError(ErrCodeInvalidInput, fmt.Sprintf("schema validation failed: %v", err), nil)
		}
		if result.Valid() {
			return nil
		}

		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}
		return NewPaymentError(ErrCodeInvalidInput, strings.Join(messages, "; "), nil)
	}
}

package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"github.com/xeipuuv/gojsonschema"
)

// validateOutput checks output against a JSON schema.
func validateOutput(schema, output json.RawMessage) error {
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(output))
	if err != nil {
		return fmt.Errorf("%w: output schema: %v", interfaces.ErrInvalidArgument, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return fmt.Errorf("%w: output does not match schema: %s", interfaces.ErrInvalidArgument, strings.Join(problems, "; "))
}

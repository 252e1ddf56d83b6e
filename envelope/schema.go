package envelope

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// BatchSchema returns the JSON Schema for Batch, the payload that capture
// agents send and replay agents receive.
func BatchSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
		}
		s := r.Reflect(new(Batch))
		s.Title = "cobrowse batch"
		schemaJSON, schemaErr = json.MarshalIndent(s, "", "  ")
	})
	return schemaJSON, schemaErr
}

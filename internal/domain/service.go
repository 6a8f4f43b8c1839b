package domain

// ParameterCardinality describes how many values a service parameter
// accepts - used by the rule engine to decide whether a for-each
// expansion is required to satisfy it.
type ParameterCardinality string

const (
	CardinalityOne  ParameterCardinality = "one"
	CardinalityMany ParameterCardinality = "many"
)

// ParameterSchema declares one parameter of a service: its name, expected
// dataType, cardinality, and whether it is an input, output, or plain
// argument.
type ParameterSchema struct {
	Name        string               `json:"name"        validate:"required"`
	DataType    string               `json:"data_type"    validate:"required"`
	Cardinality ParameterCardinality `json:"cardinality"`
	Type        ArgumentType         `json:"type"         validate:"required,oneof=INPUT OUTPUT ARGUMENT"`
	Required    bool                 `json:"required"`
	// Schema is an optional JSON Schema document constraining the values
	// bound to this parameter, beyond what DataType/Cardinality express.
	// Empty for parameters whose DataType name is itself sufficient.
	Schema string `json:"schema,omitempty"`
}

// ServiceDescriptor is the catalog entry for one executable service: its
// capability requirements, its parameter schema, and the runtime that
// invokes it.
type ServiceDescriptor struct {
	ID                   string            `json:"id"                    validate:"required"`
	Path                 string            `json:"path"                  validate:"required"`
	Runtime              string            `json:"runtime"               validate:"required"`
	RequiredCapabilities []string          `json:"required_capabilities"`
	Parameters           []ParameterSchema `json:"parameters"`
	Retries              RetryPolicy       `json:"retries"`
}

// Parameter looks up a parameter schema by name.
func (s ServiceDescriptor) Parameter(name string) (ParameterSchema, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p, true
		}
	}

	return ParameterSchema{}, false
}

// ServiceCatalog maps a serviceId to its descriptor.
type ServiceCatalog map[string]ServiceDescriptor

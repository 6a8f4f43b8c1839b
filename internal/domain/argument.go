package domain

// ArgumentType classifies how an Argument's variable flows through an
// Executable.
type ArgumentType string

const (
	ArgumentInput     ArgumentType = "INPUT"
	ArgumentOutput    ArgumentType = "OUTPUT"
	ArgumentParameter ArgumentType = "ARGUMENT"
)

// Argument binds a variable to one position of an Executable's invocation.
type Argument struct {
	Label      string       `json:"label,omitempty"`
	VariableID string       `json:"variable" validate:"required"`
	Type       ArgumentType `json:"type"     validate:"required,oneof=INPUT OUTPUT ARGUMENT"`
	DataType   string       `json:"data_type"`
}

package common

// An Action name to ask the Extension to perform.
type RequestAction = string

// List of Parameters expected per Action.
type RequestSchemas = map[RequestAction]RequestSchema

// A human friendly label for something.
type Label = string

// Messages for response status copy.
type StatusMessages struct {
	InProgressMessage string `json:"in_progress,omitempty" msgpack:"in_progress,omitempty"`
	SuccessMessage    string `json:"success,omitempty" msgpack:"success,omitempty"`
	ErrorMessage      string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Schema of expected Parameters for a specific request Action.
type RequestSchema struct {
	Label                Label          `json:"label,omitempty" msgpack:"label,omitempty"`       // (optional) Human friendly name for the request
	IsDefaultRequest     bool           `json:"is_default,omitempty" msgpack:"is_default,omitempty"`
	IsUserFacing         bool           `json:"is_user_facing" msgpack:"is_user_facing"`         // Is this Action expected to be performed by a human, or is it for automation.
	ShortDescription     string         `json:"short_description" msgpack:"short_description"`   // Short description of what this Action does.
	LongDescription      string         `json:"long_description" msgpack:"long_description"`     // Longer version of the Short Description.
	Messages             StatusMessages `json:"messages,omitempty" msgpack:"messages,omitempty"` // (optional) Customizable text to inform the user
	IsImpersonated       bool           `json:"is_impersonated" msgpack:"is_impersonated"`       // If true, this action requires a JWT token from a user that it will use to impersonate.
	ParameterDefinitions SchemaObject   `json:"parameters" msgpack:"parameters"`                 // List of Parameter Names and their definition.
	ResponseDefinition   *SchemaObject  `json:"response" msgpack:"response"`                     // Schema of the expected Response.
}

// View is a named layout the platform can render, referencing the
// requests it should surface by default.
type View struct {
	Name            string   `json:"name" msgpack:"name"`
	LayoutType      string   `json:"layout_type" msgpack:"layout_type"`
	DefaultRequests []string `json:"default_requests" msgpack:"default_requests"`
}

// Strongly typed list of Parameter Data Types.
type SchemaDataType = string

var SchemaDataTypes = struct {
	String  string
	Integer string
	Boolean string
	Enum    string

	SensorID       string
	OrgID          string
	Platform       string
	Architecture   string
	SensorSelector string

	Tag string

	Duration string
	Time     string

	URL    string
	Domain string

	JSON string
	YAML string

	Object string
	Secret string

	YaraRule     string
	YaraRuleName string
}{
	String:  "string",
	Integer: "integer",
	Boolean: "bool",
	Enum:    "enum",

	SensorID:       "sid",
	OrgID:          "oid",
	Platform:       "platform",
	Architecture:   "architecture",
	SensorSelector: "sensor_selector",

	Tag: "tag",

	Duration: "duration", // milliseconds
	Time:     "time",     // milliseconds epoch

	URL:    "url",
	Domain: "domain",

	JSON: "json",
	YAML: "yaml",

	Object: "object",
	Secret: "secret",

	YaraRule:     "yara_rule",
	YaraRuleName: "yara_rule_name",
}

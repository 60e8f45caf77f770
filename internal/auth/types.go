package auth

// User is a principal allowed to call the server.
type User struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"-"`
	Roles        []string `json:"roles"`
}

// UserConfig declares a user in the server configuration. Either Password
// (hashed on load) or PasswordHash (bcrypt) must be set.
type UserConfig struct {
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`
	PasswordHash string   `mapstructure:"password_hash"`
	Roles        []string `mapstructure:"roles"`
}

// Result represents the result of authentication
type Result struct {
	Success  bool     `json:"success"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// Permission represents a permission in the system
type Permission struct {
	Resource string `json:"resource"` // "transformation", "job", "sniff", "status"
	Action   string `json:"action"`   // "read" or "write"
}

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"

	ActionRead  = "read"
	ActionWrite = "write"
)

var rolePermissions = map[string][]Permission{
	RoleAdmin: {
		{Resource: "*", Action: "*"},
	},
	RoleOperator: {
		{Resource: "transformation", Action: "*"},
		{Resource: "job", Action: "*"},
		{Resource: "sniff", Action: "*"},
		{Resource: "status", Action: ActionRead},
	},
	RoleViewer: {
		{Resource: "transformation", Action: ActionRead},
		{Resource: "job", Action: ActionRead},
		{Resource: "sniff", Action: ActionRead},
		{Resource: "status", Action: ActionRead},
	},
}

package domain

import "time"

// Role is an application's access level for the direct-query path.
type Role string

const (
	RoleRead  Role = "read"
	RoleWrite Role = "write"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleRead || r == RoleWrite
}

// App is a tenant identity: its own API key, allowed-table scope, and role.
// The APIKey field carries the full secret only immediately after creation or
// regeneration; all other reads return the masked form.
type App struct {
	ID            string    `json:"app_id"`
	APIKey        string    `json:"api_key"`
	Description   string    `json:"description"`
	AllowedTables []string  `json:"allowed_tables"`
	Role          Role      `json:"role"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableAllowed reports whether the table is inside the app's closed scope.
func (a *App) TableAllowed(table string) bool {
	for _, t := range a.AllowedTables {
		if t == table {
			return true
		}
	}
	return false
}

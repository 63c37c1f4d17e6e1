// Package migrations contains all database migrations for acp.
// Migrations use Rails-style timestamp versioning (YYYYMMDDHHmmss).
package migrations

import (
	"github.com/comzine/acp/pkg/db"
)

// All returns all registered migrations in the correct order.
// New migrations should be added to this list.
func All() []db.Migration {
	return []db.Migration{
		Migration20260301000001CreateCoordinationSchema(),
		Migration20260315000001AddEventIndexes(),
	}
}

// Package migrations embeds the SQL schema applied by `commissiond migrate`
// and by the integration test harness.
package migrations

import "embed"

// Dir is the directory inside FS holding the ordered .sql files.
const Dir = "sql"

//go:embed sql/*.sql
var FS embed.FS

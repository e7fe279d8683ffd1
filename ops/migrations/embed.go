// Package migrations carries the SQL schema and seed files.
package migrations

import "embed"

//go:embed sql/*.sql seeds/*.sql
var FS embed.FS

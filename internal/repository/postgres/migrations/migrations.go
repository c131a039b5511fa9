// Package migrations holds the SQL schema for the outbox and order tables.
// Files follow the golang-migrate naming scheme.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

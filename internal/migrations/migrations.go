// Package migrations embeds the SQL schema for the event and cursor tables
// so the store can version and apply it with goose at startup.
package migrations

import "embed"

// FS holds the embedded goose migration files.
//
//go:embed sql/*.sql
var FS embed.FS

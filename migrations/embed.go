// Package migrations embeds the SQL migration files defining the local cache
// schema, applied with goose when a database is opened.
package migrations

import "embed"

// FS contains all goose migration SQL files.
//
//go:embed *.sql
var FS embed.FS

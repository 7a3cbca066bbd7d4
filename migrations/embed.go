// Package migrations embeds the SQL migration files so the binary carries
// its own schema management and never depends on files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

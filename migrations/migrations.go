// Package migrations embeds the versioned schema applied by db.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

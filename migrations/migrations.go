// Package migrations embeds the order store schema.
package migrations

import "embed"

// Files holds the forward-only SQL migrations in apply order
//
//go:embed *.sql
var Files embed.FS

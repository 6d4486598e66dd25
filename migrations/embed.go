// Package migrations embeds the SQL schema for the event store, tracking
// table, counters and bundled read models.
package migrations

import "embed"

// FS holds the numbered golang-migrate files.
//
//go:embed *.sql
var FS embed.FS

// Package migrations embeds the postgres schema for the relational backend.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Package migrations embeds the goose migration files so binaries can
// bring a database up to date without shipping loose SQL alongside them.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

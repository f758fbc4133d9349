// Package migrations embeds the goose SQL migration files so they ship
// inside the compiled binary rather than depending on a filesystem path at
// deploy time.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

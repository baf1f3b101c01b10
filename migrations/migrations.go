// Package migrations embeds the ordered schema migrations applied by
// cmd/migrate. Files run in lexical order inside one transaction each.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

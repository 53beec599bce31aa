// Package migrations embeds the SQL migrations so binaries can apply them
// without the source tree on disk.
package migrations

import "embed"

// FS holds every *.sql migration at its root.
//
//go:embed *.sql
var FS embed.FS

// Package migrations holds the versioned SQL schema applied by
// `medvault-server migrate up`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

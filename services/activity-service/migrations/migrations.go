// Package migrations holds the activity service schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

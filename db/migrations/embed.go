// Package dbmigrations exposes embedded SQL migrations for tokencart binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tokencart binaries.
//
//go:embed *.sql
var Files embed.FS

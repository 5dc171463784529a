// Package dbmigrations exposes embedded SQL migrations for reactor binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into reactor binaries.
//
//go:embed *.sql
var Files embed.FS

// Package db carries the SQL migrations shipped with the binary.
package db

import "embed"

// Migrations holds migrations/*.sql, applied in lexical order.
//
//go:embed migrations/*.sql
var Migrations embed.FS

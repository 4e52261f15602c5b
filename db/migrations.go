// Package db embeds the SQL migrations so binaries can apply them without
// shipping the migrations directory.
package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS

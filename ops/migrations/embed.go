// Package migrations embeds the PostgreSQL schema for the token store.
package migrations

import "embed"

// FS holds sql/*.up.sql and sql/*.down.sql.
//
//go:embed sql/*.sql
var FS embed.FS

// Dir is the directory inside FS that holds the migrations.
const Dir = "sql"

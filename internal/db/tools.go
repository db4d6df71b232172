//go:build tools

// This file pins github.com/pressly/goose/v3 as a direct dependency even
// though the migration runner only needs its embed.FS-driven subset.
package db

import _ "github.com/pressly/goose/v3"

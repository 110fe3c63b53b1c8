package migrations

import "embed"

// Up holds the versioned schema scripts applied at startup.
//
//go:embed *.up.sql
var Up embed.FS

//go:build !cgo_sqlite
// +build !cgo_sqlite

package vecstore

// This file is compiled in the default (pure Go) configuration. It uses
// the modernc.org SQLite port, so no C compiler is required and the binary
// cross-compiles cleanly. Vector math always runs in Go either way.
//
// Build command:
//   go build ./...

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite"

	// BuildMode describes the current build configuration
	BuildMode = "purego"
)

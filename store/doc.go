// Package store is the SQLite persistence layer: pipeline state, events,
// stories, relations, run history and the sqlite-vec collections.
//
// The events_fts table uses FTS5, which mattn/go-sqlite3 only compiles in
// behind a build tag. Build and test with it:
//
//	CGO_ENABLED=1 go build -tags sqlite_fts5 ./...
//	CGO_ENABLED=1 go test -tags sqlite_fts5 ./...
//
// or use the Makefile targets, which set it. Without the tag New fails
// with ErrNoFTS5.
package store

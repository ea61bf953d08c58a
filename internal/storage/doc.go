// Package storage persists the moderated group directory (groups and their
// tracked members) and the scheduled broadcast queue.
//
// Three drivers implement Store: a dependency-free file store, SQLite and
// PostgreSQL. All of them give per-statement atomicity only.
package storage

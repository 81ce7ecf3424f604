// Package cache mirrors watched statuses into Redis.
//
// The mirror is optional: a watcher without a Redis URL keeps statuses only
// in its in-memory store.
package cache

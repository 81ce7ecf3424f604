// Package store keeps the latest status of every watched resource and
// fans status changes out to subscribers.
//
// The main components are:
//
//   - [Store]: interface defining storage and subscription operations
//   - [MemoryStore]: in-memory implementation of Store with pub/sub
//   - [StatusRecord]: storage representation of one resource's status
//
// Subscribers receive updates via channels with non-blocking sends (slow
// subscribers will miss updates rather than block the watcher).
package store

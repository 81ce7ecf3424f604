// Package watch runs polling sessions for a set of marketplace targets and
// feeds every status they observe into a store.
//
// A [Watcher] owns one [jobwatch.Poller] per job or model version and one
// [jobwatch.MultiPoller] per batch. Session updates are forwarded to a
// single event loop, which writes them to the store, mirrors them to any
// [Recorder], calls status callbacks and logs status transitions.
package watch

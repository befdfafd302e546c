// Package pending tracks requests that have been handed to a backend
// connection and not yet completed, and periodically fails those that stall.
//
// The Registry is keyed by request id. Entries are removed exactly once,
// either by the normal completion path (Unregister) or by the Reaper; both
// use an atomic remove-if-present so the two paths can race safely.
//
// The Reaper runs every period (by default idleTimeout/4). On each cycle it
// snapshots the registry and asks every request whether it is stuck. A stuck
// request whose entry the Reaper manages to remove bumps a counter and may
// get its backend reported as unreachable.
package pending

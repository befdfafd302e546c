// Package health tracks the reachability of backends.
//
// Every backend has a status:
//
//   - DOWN: the backend was reported unreachable
//   - COLD: the backend is reachable again, but not for long
//   - STABLE: the backend has been reachable for longer than the warm-up period
//
// Connection failures, I/O errors and stuck requests report a backend
// unreachable; periodic probes report it reachable. A DOWN backend moves to
// COLD on the next reachable report and to STABLE once it stays reachable
// past the warm-up period.
//
// Usage:
//
//	registry := health.NewRegistry(time.Minute, logger)
//	registry.ReportUnreachable(key, time.Now(), "connection failed")
//	if registry.Status(key) == health.StatusDown {
//	    // skip this backend
//	}
package health

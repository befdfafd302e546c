// Package backend describes the backends requests are balanced across:
// their endpoint, weight, in-flight requests and smoothed response time.
// Availability is tracked separately, by the health package.
package backend

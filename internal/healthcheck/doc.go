// Package healthcheck probes backends periodically and reports the outcome
// to the backend health registry. A probe is a TCP connect, or an HTTP GET
// of a health path when one is configured.
package healthcheck

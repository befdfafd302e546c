// Package loadbalancer maps a client request to the backend that should
// serve it. Backends reported DOWN are skipped; COLD and STABLE backends
// take traffic.
package loadbalancer

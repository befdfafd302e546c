// Package handler implements the proxy's HTTP handler. Each request reserves
// a backend through the load balancer, borrows a pooled connection to it and
// drives one exchange on that connection: request head, body chunks, the
// terminal chunk, then the response relayed back to the client.
package handler

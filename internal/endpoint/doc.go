// Package endpoint defines the identity of a backend: an immutable host and
// port pair used as the connection pool partition key and as the unit of
// backend health reporting.
package endpoint

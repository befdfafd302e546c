// Package strategy chooses the backend for a request among the available
// ones:
//
//   - Round Robin: Sequential distribution across backends
//   - Random: Random backend selection
//   - Least Connections: Fewest requests in flight
//   - Least Response Time: Lowest EWMA response time weighted by requests in flight
//   - Consistent Hash: Client affinity on a hash ring with virtual nodes
//   - Weighted Round Robin: Distribution proportional to backend weights
//
// Callers pass only the backends that may receive traffic.
package strategy

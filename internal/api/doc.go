// Package api exposes the REST surface of the service: the planning
// endpoint, plan record lookups, asynchronous evaluation run management
// and the Prometheus metrics endpoint, all behind optional API key auth.
package api

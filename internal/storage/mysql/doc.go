// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema migrations and strongly typed queries for persisting
// plan records and API key credentials, plus a file-backed fallback store for
// single-node deployments.
package mysql

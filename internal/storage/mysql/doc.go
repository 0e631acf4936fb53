// Package mysql provides an optional MySQL mirror for the governance audit log.
// It owns the connection pool settings, the embedded schema migrations and the
// repository that implements audit.Sink.
package mysql

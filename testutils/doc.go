// Package testutils provides shared testing utilities for tern.
//
// It contains the integration test database harness, which connects to
// a local PostgreSQL instance described by config-test.toml, and a
// file-based object storage mock that behaves like the S3 layer without
// network access.
//
// Integration tests using SetupTestDatabase are skipped in short mode
// and fail with a clear message when config-test.toml is absent.
package testutils

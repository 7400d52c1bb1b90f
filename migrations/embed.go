// Package migrations holds the goose SQL migrations for the formz schema:
// projects, questionnaires and their change events, API keys, admin users
// and sessions, and the audit log.
package migrations

import "embed"

// FS is handed to goose by the server at startup and by the integration
// tests before they open a repository.
//
//go:embed *.sql
var FS embed.FS

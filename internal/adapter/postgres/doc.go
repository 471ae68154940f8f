// Package postgres implements the membership, user and push repositories on PostgreSQL.
//
// The schema is managed with tern migrations embedded from migrations/. Multiple
// instances coordinate through a session advisory lock before migrating.
package postgres

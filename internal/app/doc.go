// Package app provides the application service layer.
//
// Orchestrates use cases: connecting live clients to their scopes, posting server and
// direct messages, joining and leaving servers, and member role updates. Each use case
// mutates the registry, fans events out through the broadcaster and hands new messages
// to the push pipeline. Depends on domain interfaces for persistence.
package app

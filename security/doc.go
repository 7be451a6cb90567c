// Package security provides the cross-cutting security machinery for the
// authorization server: client secret verification, per-identifier rate
// limiting with LRU eviction, response header management, audit logging with
// PII hashing, request ID propagation, and client IP extraction.
package security

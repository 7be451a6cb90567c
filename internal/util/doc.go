// Package util provides small shared helpers that don't belong to a
// domain-specific package.
package util

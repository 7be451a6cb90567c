// Package memory provides an in-memory implementation of the repository
// contracts. It is suitable for development, testing, and single-instance
// deployments.
package memory

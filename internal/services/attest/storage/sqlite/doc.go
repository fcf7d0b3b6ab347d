// Package sqlite implements attestation persistence over SQLite.
package sqlite

// Package storage defines persistence interfaces for the attestation service.
package storage

// Package app wires the attestation service into a runnable HTTP server.
package app

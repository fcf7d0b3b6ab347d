// Package main provides a one-shot utility for signing key generation.
//
// It emits the Ed25519 keypair used to sign attestation records.
package main

import (
	"os"

	"github.com/countersign-io/countersign/internal/platform/config"
	"github.com/countersign-io/countersign/internal/tools/signingkey"
)

func main() {
	if err := signingkey.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate signing key: %v", err)
	}
}

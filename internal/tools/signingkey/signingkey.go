// Package signingkey generates the Ed25519 attestation signing keypair.
package signingkey

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/countersign-io/countersign/internal/attest/record"
)

// Run generates a signing key pair and writes exports.
func Run(out io.Writer, reader io.Reader) error {
	if out == nil {
		return errors.New("output is required")
	}
	publicKey, privateKey, err := record.GenerateKeypair(reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	if _, err := fmt.Fprintf(out, "export COUNTERSIGN_SIGNING_KEY=%s\n", base64.RawStdEncoding.EncodeToString(privateKey)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "export COUNTERSIGN_PUBLIC_KEY=%s\n", base64.RawStdEncoding.EncodeToString(publicKey)); err != nil {
		return err
	}
	return nil
}

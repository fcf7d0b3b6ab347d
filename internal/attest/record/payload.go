package record

import "github.com/countersign-io/countersign/internal/attest/digest"

// payload is the signable projection of a record. The declared field order is
// the wire order for schema version 1.0 and must never change: signing and
// verification both reconstruct these exact bytes from field values alone.
//
// Signature and public key are deliberately absent. They are the output of
// signing; including them would make the payload depend on itself.
type payload struct {
	Version        string `json:"version"`
	DocumentDigest string `json:"document_digest"`
	IntentDigest   string `json:"intent_digest"`
	IntentText     string `json:"intent_text"`
	ApproverRef    string `json:"approver_ref"`
	ApproverLabel  string `json:"approver_label"`
	EventTime      int64  `json:"event_time"`
	PresenceRef    string `json:"presence_ref"`
	PresenceDigest string `json:"presence_digest"`
	AssistedFlag   bool   `json:"assisted_flag"`
}

// BuildPayload serializes the signed field set into the deterministic byte
// string that is signed and verified.
func BuildPayload(r Record) ([]byte, error) {
	return digest.CanonicalJSON(payload{
		Version:        r.SchemaVersion,
		DocumentDigest: r.DocumentDigest,
		IntentDigest:   r.IntentDigest,
		IntentText:     r.IntentText,
		ApproverRef:    r.ApproverRef,
		ApproverLabel:  r.ApproverLabel,
		EventTime:      r.EventTime,
		PresenceRef:    r.PresenceRef,
		PresenceDigest: r.PresenceDigest,
		AssistedFlag:   r.Assisted,
	})
}

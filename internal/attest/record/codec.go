package record

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/countersign-io/countersign/internal/attest/digest"
	apperrors "github.com/countersign-io/countersign/internal/platform/errors"
)

// wireRecord is the compact transfer encoding. Short keys map 1:1 to the long
// field names; the declared order matches the payload order with the two
// signing outputs appended.
type wireRecord struct {
	Version        string `json:"v"`
	DocumentDigest string `json:"dd"`
	IntentDigest   string `json:"id"`
	IntentText     string `json:"it"`
	ApproverRef    string `json:"ar"`
	ApproverLabel  string `json:"al"`
	EventTime      int64  `json:"et"`
	PresenceRef    string `json:"pr"`
	PresenceDigest string `json:"pd"`
	AssistedFlag   bool   `json:"af"`
	Signature      string `json:"sg"`
	PublicKey      string `json:"pk"`
}

// wireKeys maps each short key to its long-name alias accepted on decode.
var wireKeys = map[string]string{
	"v":  "version",
	"dd": "document_digest",
	"id": "intent_digest",
	"it": "intent_text",
	"ar": "approver_ref",
	"al": "approver_label",
	"et": "event_time",
	"pr": "presence_ref",
	"pd": "presence_digest",
	"af": "assisted_flag",
	"sg": "signature_bytes",
	"pk": "signing_public_key",
}

// Encode serializes a record into the compact short-key JSON form. Digests
// stay lowercase hex; signature and public key are base64.
func Encode(r Record) ([]byte, error) {
	encoded, err := digest.CanonicalJSON(wireRecord{
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
		Signature:      base64.StdEncoding.EncodeToString(r.Signature),
		PublicKey:      base64.StdEncoding.EncodeToString(r.PublicKey),
	})
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return encoded, nil
}

// Decode parses a record from its JSON form. Both the compact short keys and
// the long field names are accepted, since either may appear at the system
// boundary. Unknown or mismatched schema versions are rejected.
func Decode(data []byte) (Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, apperrors.Wrap(apperrors.CodeRecordInvalidEncoding, "record is not a JSON object", err)
	}

	version, err := decodeString(raw, "v")
	if err != nil {
		return Record{}, err
	}
	if version != SchemaVersion {
		return Record{}, apperrors.WithMetadata(
			apperrors.CodeRecordSchemaUnknown,
			fmt.Sprintf("unknown record schema version %q", version),
			map[string]string{"Version": version},
		)
	}

	var rec Record
	rec.SchemaVersion = version
	if rec.DocumentDigest, err = decodeString(raw, "dd"); err != nil {
		return Record{}, err
	}
	if rec.IntentDigest, err = decodeString(raw, "id"); err != nil {
		return Record{}, err
	}
	if rec.IntentText, err = decodeString(raw, "it"); err != nil {
		return Record{}, err
	}
	if rec.ApproverRef, err = decodeString(raw, "ar"); err != nil {
		return Record{}, err
	}
	if rec.ApproverLabel, err = decodeString(raw, "al"); err != nil {
		return Record{}, err
	}
	if rec.EventTime, err = decodeInt(raw, "et"); err != nil {
		return Record{}, err
	}
	if rec.PresenceRef, err = decodeString(raw, "pr"); err != nil {
		return Record{}, err
	}
	if rec.PresenceDigest, err = decodeString(raw, "pd"); err != nil {
		return Record{}, err
	}
	if rec.Assisted, err = decodeBool(raw, "af"); err != nil {
		return Record{}, err
	}

	signature, err := decodeString(raw, "sg")
	if err != nil {
		return Record{}, err
	}
	if signature != "" {
		if rec.Signature, err = decodeBase64(signature); err != nil {
			return Record{}, apperrors.Wrap(apperrors.CodeRecordInvalidEncoding, "signature is not valid base64", err)
		}
	}
	publicKey, err := decodeString(raw, "pk")
	if err != nil {
		return Record{}, err
	}
	if publicKey != "" {
		keyBytes, err := decodeBase64(publicKey)
		if err != nil {
			return Record{}, apperrors.Wrap(apperrors.CodeRecordInvalidEncoding, "public key is not valid base64", err)
		}
		rec.PublicKey = ed25519.PublicKey(keyBytes)
	}

	return rec, nil
}

// lookupField returns the raw value for a short key or its long-name alias.
func lookupField(raw map[string]json.RawMessage, short string) (json.RawMessage, bool) {
	if value, ok := raw[short]; ok {
		return value, true
	}
	if long, ok := wireKeys[short]; ok {
		if value, ok := raw[long]; ok {
			return value, true
		}
	}
	return nil, false
}

func decodeString(raw map[string]json.RawMessage, short string) (string, error) {
	value, ok := lookupField(raw, short)
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return "", decodeTypeError(short, "string", err)
	}
	return s, nil
}

func decodeInt(raw map[string]json.RawMessage, short string) (int64, error) {
	value, ok := lookupField(raw, short)
	if !ok {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(value, &n); err != nil {
		return 0, decodeTypeError(short, "integer", err)
	}
	return n, nil
}

func decodeBool(raw map[string]json.RawMessage, short string) (bool, error) {
	value, ok := lookupField(raw, short)
	if !ok {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(value, &b); err != nil {
		return false, decodeTypeError(short, "boolean", err)
	}
	return b, nil
}

func decodeTypeError(short, expected string, cause error) error {
	field := wireKeys[short]
	return apperrors.Wrap(
		apperrors.CodeRecordInvalidEncoding,
		fmt.Sprintf("record field %s must be a %s", field, expected),
		cause,
	)
}

// decodeBase64 accepts both raw (unpadded) and standard base64.
func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}

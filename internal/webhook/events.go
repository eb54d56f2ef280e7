// Package webhook handles signed change notifications from the data
// collection pipeline that maintains the dataset store and the metadata
// registry.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types accepted on the X-SSPI-Event header.
const (
	EventDatasetsUpdated = "datasets.updated"
	EventMetadataUpdated = "metadata.updated"
)

// VerifySignature validates the X-SSPI-Signature-256 header against the payload.
func VerifySignature(payload []byte, signature string, secret []byte) error {
	if !strings.HasPrefix(signature, "sha256=") {
		return fmt.Errorf("invalid signature format")
	}
	sig, err := hex.DecodeString(signature[7:])
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	if !hmac.Equal(sig, expected) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// DatasetsUpdatedEvent reports that readings of one or more datasets were
// rewritten in the clean dataset store.
type DatasetsUpdatedEvent struct {
	DatasetCodes []string  `json:"dataset_codes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MetadataUpdatedEvent reports that the default configuration changed.
type MetadataUpdatedEvent struct {
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseEvent parses a webhook payload based on the event type.
func ParseEvent(eventType string, payload []byte) (any, error) {
	switch eventType {
	case EventDatasetsUpdated:
		var e DatasetsUpdatedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("parse %s event: %w", eventType, err)
		}
		if len(e.DatasetCodes) == 0 {
			return nil, fmt.Errorf("parse %s event: no dataset codes", eventType)
		}
		return &e, nil
	case EventMetadataUpdated:
		var e MetadataUpdatedEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("parse %s event: %w", eventType, err)
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
}

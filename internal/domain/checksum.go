package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ComputeChecksum produces the SHA-256 hex digest over a canonical JSON
// encoding of {metadata, value}. encoding/json writes map keys in sorted
// order, so the same value+metadata always replays to the same digest
// regardless of insertion order.
func ComputeChecksum(value float64, metadata map[string]string) (string, error) {
	envelope := map[string]interface{}{
		"metadata": metadata,
		"value":    value,
	}
	if metadata == nil {
		envelope["metadata"] = map[string]string{}
	}
	canonical, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize checksum envelope: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum recomputes a point's checksum and compares it to the
// stored digest.
func VerifyChecksum(p *MetricPoint) (bool, error) {
	sum, err := ComputeChecksum(p.Value, p.Metadata)
	if err != nil {
		return false, err
	}
	return sum == p.Checksum, nil
}

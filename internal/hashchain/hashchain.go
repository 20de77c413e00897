// Package hashchain computes the canonical, order-independent hashes that link
// audit ledger records into a tamper-evident chain.
//
// Records are encoded as a CBOR map using RFC 8949 Core Deterministic Encoding
// (sorted keys, shortest integer forms, definite lengths) and hashed with SHA-256.
// The encoding is versioned; the version number is part of the hashed content.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// EncodingVersion is the canonical encoding version produced by ComputeHash.
// Bump it (and keep the previous encoder) whenever the hashed field set or any
// canonicalization rule changes.
const EncodingVersion = 1

// Algorithm names the digest used for record hashes.
const Algorithm = "sha256"

// Canonicalization names the encoding scheme for exported segments.
const Canonicalization = "cbor-core-deterministic"

// genesisSeed is the well-known seed hashed to produce the genesis hash.
const genesisSeed = "custodian:audit-ledger:genesis:v1"

// TimestampLayout is the layout used for timestamps inside the canonical encoding.
// Timestamps are always UTC with exactly microsecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

var (
	// ErrUnsupportedVersion is returned when fields declare an unknown encoding version.
	ErrUnsupportedVersion = errors.New("unsupported canonical encoding version")
	// ErrInvalidPreviousHash is returned when the previous hash is not a hex SHA-256 digest.
	ErrInvalidPreviousHash = errors.New("previous hash must be a 64 character hex digest")
)

var (
	genesisHash string
	encMode     cbor.EncMode
)

func init() {
	sum := sha256.Sum256([]byte(genesisSeed))
	genesisHash = hex.EncodeToString(sum[:])

	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("hashchain: building CBOR encoder: %v", err))
	}
	encMode = em
}

// Fields are the non-hash fields of an audit record that participate in the hash.
type Fields struct {
	Version        int
	RecordID       string
	Scope          string
	Sequence       int64
	Timestamp      time.Time
	EventType      string
	EntityType     string
	EntityID       string
	ActingIdentity string
	Changes        map[string]string
	CorrelationID  string
}

// GenesisHash returns the fixed previous hash used by the first record of every scope.
func GenesisHash() string {
	return genesisHash
}

// NormalizeTimestamp converts t to the precision and location stored in the chain.
func NormalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Canonical returns the canonical CBOR encoding of fields linked to previousHash.
func Canonical(fields Fields, previousHash string) ([]byte, error) {
	version := fields.Version
	if version == 0 {
		version = EncodingVersion
	}
	if version != EncodingVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if !isDigest(previousHash) {
		return nil, ErrInvalidPreviousHash
	}

	changes := make(map[string]string, len(fields.Changes))
	for k, v := range fields.Changes {
		changes[k] = v
	}

	doc := map[string]any{
		"encoding_version": version,
		"record_id":        fields.RecordID,
		"scope":            fields.Scope,
		"sequence":         fields.Sequence,
		"timestamp":        NormalizeTimestamp(fields.Timestamp).Format(TimestampLayout),
		"event_type":       fields.EventType,
		"entity_type":      fields.EntityType,
		"entity_id":        fields.EntityID,
		"acting_identity":  fields.ActingIdentity,
		"changes":          changes,
		"correlation_id":   fields.CorrelationID,
		"previous_hash":    previousHash,
	}

	data, err := encMode.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding canonical record: %w", err)
	}
	return data, nil
}

// ComputeHash returns the lowercase hex SHA-256 digest of the canonical encoding
// of fields and previousHash. Identical inputs always produce identical output.
func ComputeHash(fields Fields, previousHash string) (string, error) {
	data, err := Canonical(fields, previousHash)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// isDigest reports whether s looks like a hex-encoded SHA-256 digest.
func isDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

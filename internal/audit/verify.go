package audit

import (
	"fmt"

	"github.com/northstar-lms/custodian/internal/hashchain"
)

// Anchor is the chain position that precedes the first verified record.
type Anchor struct {
	Sequence int64  `json:"sequence"`
	Hash     string `json:"hash"`
}

// GenesisAnchor is the anchor of a chain verified from its first record.
func GenesisAnchor() Anchor {
	return Anchor{Sequence: 0, Hash: hashchain.GenesisHash()}
}

// VerifyRecords walks records in order and reports every integrity violation.
// Links are compared against the prior record's stored hash, so a record whose
// payload was altered yields a TamperedRecord without a BrokenLink on its
// successor. A nil anchor skips the link and sequence checks for the first
// record. VerifyRecords never modifies its input.
func VerifyRecords(anchor *Anchor, records []*Record) []Violation {
	var violations []Violation

	havePrev := anchor != nil
	var prevSeq int64
	var prevHash string
	if havePrev {
		prevSeq, prevHash = anchor.Sequence, anchor.Hash
	}

	for _, r := range records {
		computed, err := hashchain.ComputeHash(r.Fields(), r.PreviousHash)
		switch {
		case err != nil:
			violations = append(violations, Violation{
				Kind:     ViolationTamperedRecord,
				Sequence: r.Sequence,
				RecordID: r.ID,
				Detail:   fmt.Sprintf("hash cannot be recomputed: %v", err),
			})
		case computed != r.Hash:
			violations = append(violations, Violation{
				Kind:     ViolationTamperedRecord,
				Sequence: r.Sequence,
				RecordID: r.ID,
				Detail:   fmt.Sprintf("stored hash %s, recomputed %s", r.Hash, computed),
			})
		}

		if havePrev {
			if r.PreviousHash != prevHash {
				violations = append(violations, Violation{
					Kind:     ViolationBrokenLink,
					Sequence: r.Sequence,
					RecordID: r.ID,
					Detail:   fmt.Sprintf("previous hash %s does not match %s", r.PreviousHash, prevHash),
				})
			}

			switch {
			case r.Sequence <= prevSeq:
				violations = append(violations, Violation{
					Kind:     ViolationDuplicateSequence,
					Sequence: r.Sequence,
					RecordID: r.ID,
					Detail:   fmt.Sprintf("sequence %d follows %d", r.Sequence, prevSeq),
				})
			case r.Sequence > prevSeq+1:
				violations = append(violations, Violation{
					Kind:     ViolationSequenceGap,
					Sequence: r.Sequence,
					RecordID: r.ID,
					Detail:   fmt.Sprintf("missing sequences %d..%d", prevSeq+1, r.Sequence-1),
				})
			}
		}

		if !havePrev || r.Sequence > prevSeq {
			prevSeq = r.Sequence
		}
		prevHash = r.Hash
		havePrev = true
	}

	return violations
}

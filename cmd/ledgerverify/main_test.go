package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/northstar-lms/custodian/internal/audit"
)

func exportedSegment(t *testing.T) []byte {
	t.Helper()
	ledger := audit.NewLedger(audit.NewInMemoryStore(), audit.LedgerConfig{})
	ctx := context.Background()
	for _, id := range []string{"stu-1", "stu-2", "stu-3"} {
		_, err := ledger.Append(ctx, "oakland", audit.Entry{
			EventType:      "Update",
			EntityType:     "Student",
			EntityID:       id,
			ActingIdentity: "user:registrar",
			Changes:        map[string]string{"field": "grade"},
		})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	seg, err := ledger.ExportSegment(ctx, "oakland", 1, 0)
	if err != nil {
		t.Fatalf("ExportSegment() error = %v", err)
	}
	data, err := seg.Encode(audit.ExportFormatJSON)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return data
}

func TestVerify(t *testing.T) {
	valid := exportedSegment(t)
	tampered := bytes.Replace(valid, []byte(`"stu-2"`), []byte(`"stu-9"`), 1)

	tests := []struct {
		name     string
		input    []byte
		wantCode int
		wantOut  string
		wantErr  bool
	}{
		{"valid segment", valid, exitValid, "VALID scope=oakland records=1-3 checked=3", false},
		{"tampered record", tampered, exitViolations, "INVALID", false},
		{"not a segment", []byte(`{"unexpected":true}`), exitError, "", true},
		{"empty input", nil, exitError, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			code, err := verify(bytes.NewReader(tt.input), &out, false)
			if (err != nil) != tt.wantErr {
				t.Fatalf("verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if code != tt.wantCode {
				t.Errorf("verify() code = %d, want %d", code, tt.wantCode)
			}
			if !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("output = %q, want it to contain %q", out.String(), tt.wantOut)
			}
		})
	}
}

func TestVerify_JSONOutput(t *testing.T) {
	data := bytes.Replace(exportedSegment(t), []byte(`"stu-1"`), []byte(`"stu-0"`), 1)

	var out bytes.Buffer
	code, err := verify(bytes.NewReader(data), &out, true)
	if err != nil {
		t.Fatalf("verify() error = %v", err)
	}
	if code != exitViolations {
		t.Errorf("verify() code = %d, want %d", code, exitViolations)
	}

	var res audit.ValidationResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if res.Valid || len(res.Violations) == 0 {
		t.Fatalf("result = %+v, want violations", res)
	}
	if res.Violations[0].Sequence != 1 {
		t.Errorf("first violation at sequence %d, want 1", res.Violations[0].Sequence)
	}
}

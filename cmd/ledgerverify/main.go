// Package main is an offline verifier for exported audit ledger segments.
// It needs no database: the segment carries its anchor record and hash scheme.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/northstar-lms/custodian/internal/audit"
)

// Exit codes.
const (
	exitValid      = 0
	exitViolations = 1
	exitError      = 2
)

func main() {
	help := flag.Bool("help", false, "display help message")
	jsonOut := flag.Bool("json", false, "print the verification result as JSON")
	flag.Parse()

	if *help {
		fmt.Println("Custodian Ledger Segment Verifier")
		fmt.Println()
		fmt.Println("Usage: ledgerverify [options] [segment.json]")
		fmt.Println()
		fmt.Println("Reads the segment from stdin when no file is given.")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	in := io.Reader(os.Stdin)
	if path := flag.Arg(0); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ledgerverify:", err)
			os.Exit(exitError)
		}
		defer f.Close()
		in = f
	}

	code, err := verify(in, os.Stdout, *jsonOut)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledgerverify:", err)
	}
	os.Exit(code)
}

// verify checks one segment and reports to w. It returns the process exit code.
func verify(r io.Reader, w io.Writer, jsonOut bool) (int, error) {
	seg, err := audit.DecodeSegment(r)
	if err != nil {
		return exitError, err
	}
	res, err := audit.VerifySegment(seg)
	if err != nil {
		return exitError, err
	}

	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return exitError, fmt.Errorf("failed to write result: %w", err)
		}
	} else {
		status := "VALID"
		if !res.Valid {
			status = "INVALID"
		}
		fmt.Fprintf(w, "%s scope=%s records=%d-%d checked=%d\n", status, res.Scope, res.From, res.To, res.Checked)
		for _, v := range res.Violations {
			fmt.Fprintf(w, "  %s\n", v)
		}
	}

	if !res.Valid {
		return exitViolations, nil
	}
	return exitValid, nil
}

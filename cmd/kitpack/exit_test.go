package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/urfave/cli/v2"
)

func TestExitErrHandler_NilError(_ *testing.T) {
	// Must not exit on nil.
	exitErrHandler(nil, nil)
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOut  string
	}{
		{"bare exit 0", cli.Exit("", 0), 0, ""},
		{"bare partial", cli.Exit("", 2), 2, ""},
		{"message", cli.Exit("pack g1: bundle g1: not found", 1), 1, "pack g1: bundle g1: not found\n"},
		{"config", cli.Exit("invalid config: archive.level must be 1..9, got 12", 3), 3, "invalid config: archive.level must be 1..9, got 12\n"},
		{"wrapped", errors.Join(errors.New("context"), cli.Exit("inner error", 42)), 42, "inner error\n"},
		{"plain error", errors.New("boom"), 1, "Error: boom\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if got := exitStatus(&buf, tt.err); got != tt.wantCode {
				t.Errorf("exitStatus = %d, want %d", got, tt.wantCode)
			}
			if buf.String() != tt.wantOut {
				t.Errorf("stderr = %q, want %q", buf.String(), tt.wantOut)
			}
		})
	}
}

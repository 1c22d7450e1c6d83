package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/flexmodel/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func TestSessionTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "prefix denied", stored: "abc", input: "ab", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (SessionToken{Token: tc.stored}).Validate(tc.input)
			log.Debug().Str("stored", tc.stored).Str("input", tc.input).Err(err).Msg("auth/session-token")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestForToken(t *testing.T) {
	if err := ForToken("", true).Validate("anything"); err != nil {
		t.Fatalf("insecure empty token should accept, got %v", err)
	}
	if err := ForToken("", false).Validate(""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("secure empty token should deny, got %v", err)
	}
	if err := ForToken("k", true).Validate("k"); err != nil {
		t.Fatalf("configured token should accept match, got %v", err)
	}
}

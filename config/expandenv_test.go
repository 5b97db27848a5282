package config

import (
	"errors"
	"strings"
	"testing"
)

func TestExpandEnvStrict_MissingVarErrors(t *testing.T) {
	t.Setenv("PRESENT", "ok")

	_, err := ExpandEnvStrict("a=${PRESENT} b=${MISSING}")
	if !errors.Is(err, ErrMissingEnv) {
		t.Fatalf("ExpandEnvStrict() error = %v, want ErrMissingEnv", err)
	}
	if !strings.Contains(err.Error(), "MISSING") {
		t.Fatalf("expected missing var name in error, got: %v", err)
	}
}

func TestExpandEnvStrict(t *testing.T) {
	t.Setenv("X", "y")
	t.Setenv("EMPTY", "")

	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"${X}", "y"},
		{"$X-$X", "y-y"},
		{"$$${X}", "$y"},
		{"cost: $$5", "cost: $5"},
		{"[${EMPTY}]", "[]"},
		{"$UNSET_BARE", ""},
	}
	for _, tt := range tests {
		got, err := ExpandEnvStrict(tt.in)
		if err != nil {
			t.Errorf("ExpandEnvStrict(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ExpandEnvStrict(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

package faults

import (
	"errors"
	"testing"
)

func TestFaultError(t *testing.T) {
	inner := errors.New("boom")
	f := New(ProtocolFault, "echo mismatch", inner)
	if got := f.Error(); got == "" {
		t.Fatalf("Error() returned empty string")
	}
	if !errors.Is(f, inner) {
		t.Fatalf("errors.Is(f, inner) = false, want true")
	}
	if got := errors.Unwrap(f); got != inner {
		t.Fatalf("Unwrap() = %v, want %v", got, inner)
	}
}

func TestKindOf(t *testing.T) {
	// errors.As matches the outermost *Fault in the chain, so KindOf
	// reports the kind the caller most recently wrapped with, not a
	// deeper cause's kind.
	wrapped := Wrap(ToolError, "outer context", New(Locked, "device locked", nil))
	if got := KindOf(wrapped); got != ToolError {
		t.Fatalf("KindOf() = %v, want %v", got, ToolError)
	}
	if got := KindOf(errors.New("plain error")); got != Unknown {
		t.Fatalf("KindOf(plain error) = %v, want Unknown", got)
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if err := Wrap(Unknown, "", nil); err != nil {
		t.Fatalf("Wrap(Unknown, \"\", nil) = %v, want nil", err)
	}
}

func TestKindString(t *testing.T) {
	cases := []struct {
		k    Kind
		want string
	}{
		{LinkFault, "LinkFault"},
		{Locked, "Locked"},
		{VerifyMismatch, "VerifyMismatch"},
	}
	for _, c := range cases {
		if got := c.k.String(); got != c.want {
			t.Errorf("%v.String() = %q, want %q", int(c.k), got, c.want)
		}
	}
}

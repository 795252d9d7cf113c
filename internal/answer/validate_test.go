package answer

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		text string
		ok   bool
	}{
		{name: "empty", text: "", ok: false},
		{name: "short", text: "A closure captures variables.", ok: false},
		{name: "exact", text: strings.Repeat("a", MinLength), ok: true},
		{name: "padded short", text: "   " + strings.Repeat("a", MinLength-1) + "\n\t ", ok: false},
		{name: "padded exact", text: "  " + strings.Repeat("b", MinLength) + "  ", ok: true},
		{name: "multibyte", text: strings.Repeat("é", MinLength), ok: true},
		{name: "long", text: "A closure is a function value that references variables from outside its body.", ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.text)
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrTooShort) {
				t.Fatalf("expected ErrTooShort, got %v", err)
			}
		})
	}
}

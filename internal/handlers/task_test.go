package handlers

import (
	"encoding/json"
	"errors"
	"testing"

	"deployd/internal/domain"
)

func TestDecode(t *testing.T) {
	var v struct {
		Domain string `json:"domain"`
	}
	for _, raw := range []string{"", "null", "{", `{"domain":1}`} {
		if err := Decode(json.RawMessage(raw), &v); !errors.Is(err, domain.ErrInvalidTask) {
			t.Fatalf("Decode(%q) = %v, want ErrInvalidTask", raw, err)
		}
	}
	if err := Decode(json.RawMessage(`{"domain":"a.example.com"}`), &v); err != nil || v.Domain != "a.example.com" {
		t.Fatalf("decode: %v %+v", err, v)
	}
}

func TestRequire(t *testing.T) {
	if err := Require(Field{"domain", "x"}, Field{"target", "y"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := Require(Field{"domain", ""}, Field{"target", "y"}, Field{"sub_domain", " "})
	if !errors.Is(err, domain.ErrInvalidTask) {
		t.Fatalf("err = %v", err)
	}
	if want := "the task dictionary hasn't all required values: missing domain, sub_domain"; err.Error() != want {
		t.Fatalf("err = %q, want %q", err, want)
	}
}

package protocol

import (
	"errors"
	"fmt"
	"testing"

	"fleetcommand.gg/internal/orders"
)

func TestIsKnownCode(t *testing.T) {
	for _, c := range []string{"", ErrBadRequest, ErrNotFound, ErrStorage, ErrInternal} {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{orders.Invalid("fleetId", "required"), ErrBadRequest},
		{fmt.Errorf("order x: %w", orders.ErrNotFound), ErrNotFound},
		{orders.StorageError("insert order", errors.New("locked")), ErrStorage},
		{errors.New("boom"), ErrInternal},
	}
	for _, tc := range cases {
		if got := CodeFor(tc.err); got != tc.want {
			t.Fatalf("CodeFor(%v)=%s want=%s", tc.err, got, tc.want)
		}
		if !IsKnownCode(CodeFor(tc.err)) {
			t.Fatalf("unknown code for %v", tc.err)
		}
	}
}

func TestNewErrorBody(t *testing.T) {
	b := NewErrorBody(orders.Invalid("toSystemId", "unknown system"))
	if b.Error.Code != ErrBadRequest || b.Error.Field != "toSystemId" {
		t.Fatalf("body=%+v", b)
	}
	b = NewErrorBody(orders.StorageError("insert", errors.New("database is locked")))
	if b.Error.Message != "storage unavailable, retry later" {
		t.Fatalf("storage message leaked: %q", b.Error.Message)
	}
}

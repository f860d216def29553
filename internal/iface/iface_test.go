package iface

import (
	"errors"
	"testing"
)

func TestEnumerate_DoesNotError(t *testing.T) {
	if _, err := Enumerate(Both); err != nil {
		t.Fatalf("Enumerate(Both): %v", err)
	}
}

func TestIndexForName_UnknownNameFails(t *testing.T) {
	_, err := IndexForName("this-interface-does-not-exist-0")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestByIndex_UnknownIndexFails(t *testing.T) {
	_, err := ByIndex(1 << 20)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

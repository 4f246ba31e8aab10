package utils

import (
	"strings"
	"testing"
)

func TestCreateHostName(t *testing.T) {
	a := CreateHostName("myhost")
	b := CreateHostName("myhost")
	if a == b {
		t.Fatal("host names should be unique")
	}
	if !strings.HasPrefix(a, "myhost-") {
		t.Fatalf("missing prefix: %s", a)
	}
	if !strings.HasPrefix(CreateHostName(""), "gohost-") {
		t.Fatal("empty prefix should use the default")
	}
}

func TestDeref(t *testing.T) {
	if Deref(nil, 5) != 5 {
		t.Fatal("nil should return fallback")
	}
	if Deref(Ptr(3), 5) != 3 {
		t.Fatal("non-nil should deref")
	}
}

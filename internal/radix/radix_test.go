package radix

import (
	"net"
	"testing"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return n
}

func TestLookupLongestPrefix(t *testing.T) {
	tr := New()
	tr.Insert(mustCIDR(t, "10.0.0.0/8"), "wide")
	tr.Insert(mustCIDR(t, "10.1.0.0/16"), "narrow")

	_, v, ok := tr.Lookup(net.ParseIP("10.1.2.3"))
	if !ok || v != "narrow" {
		t.Fatalf("expected narrow match, got %v ok=%v", v, ok)
	}

	_, v, ok = tr.Lookup(net.ParseIP("10.2.2.3"))
	if !ok || v != "wide" {
		t.Fatalf("expected wide match, got %v ok=%v", v, ok)
	}

	_, _, ok = tr.Lookup(net.ParseIP("192.168.1.1"))
	if ok {
		t.Fatalf("expected no match")
	}
}

func TestInsertReplacesSameNetwork(t *testing.T) {
	tr := New()
	n := mustCIDR(t, "2.2.2.0/24")
	tr.Insert(n, "first")
	tr.Insert(n, "second")

	_, v, ok := tr.Lookup(net.ParseIP("2.2.2.2"))
	if !ok || v != "second" {
		t.Fatalf("expected second, got %v ok=%v", v, ok)
	}
}

func TestDelete(t *testing.T) {
	tr := New()
	n := mustCIDR(t, "172.16.0.0/12")
	tr.Insert(n, "peer")
	if !tr.Delete(n) {
		t.Fatalf("expected delete to report removal")
	}
	if _, _, ok := tr.Lookup(net.ParseIP("172.16.1.1")); ok {
		t.Fatalf("expected no match after delete")
	}
}

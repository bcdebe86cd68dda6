package origin

import (
	"net/http/httptest"
	"testing"
)

func TestMatcher_FullOrigin(t *testing.T) {
	m := NewMatcher([]string{"http://example.com:5173"}, false)
	if !m.AllowValue("http://example.com:5173") {
		t.Fatal("expected origin to be allowed")
	}
	if NewMatcher([]string{"http://example.com"}, false).AllowValue("http://example.com:5173") {
		t.Fatal("expected origin to be rejected")
	}
}

func TestMatcher_HostnameIgnoresPort(t *testing.T) {
	m := NewMatcher([]string{"example.com"}, false)
	if !m.AllowValue("https://ExAmPlE.com:5173") {
		t.Fatal("expected origin to be allowed")
	}
}

func TestMatcher_HostPort(t *testing.T) {
	m := NewMatcher([]string{"example.com:5173"}, false)
	if !m.AllowValue("https://ExAmPlE.com:5173") {
		t.Fatal("expected origin to be allowed")
	}
	if NewMatcher([]string{"example.com:9999"}, false).AllowValue("https://example.com:5173") {
		t.Fatal("expected origin to be rejected")
	}
}

func TestMatcher_WildcardMatchesApexAndSubdomain(t *testing.T) {
	m := NewMatcher([]string{"*.example.com"}, false)
	if !m.AllowValue("https://example.com") {
		t.Fatal("expected apex to be allowed")
	}
	if !m.AllowValue("https://a.example.com") {
		t.Fatal("expected subdomain to be allowed")
	}
	if !m.AllowValue("https://A.ExAmPlE.com") {
		t.Fatal("expected mixed-case subdomain to be allowed")
	}
	if m.AllowValue("https://notexample.com") {
		t.Fatal("expected sibling hostname to be rejected")
	}
}

func TestMatcher_IPv6HostnameEntry(t *testing.T) {
	m := NewMatcher([]string{"::1"}, false)
	if !m.AllowValue("http://[::1]:5173") {
		t.Fatal("expected ipv6 hostname to be allowed")
	}
}

func TestMatcher_NullEntry(t *testing.T) {
	m := NewMatcher([]string{"null"}, false)
	if !m.AllowValue("null") {
		t.Fatal("expected null origin to be allowed")
	}
	if m.AllowValue("https://null.example.com") {
		t.Fatal("expected unrelated origin to be rejected")
	}
}

func TestMatcher_Star(t *testing.T) {
	m := NewMatcher([]string{"*"}, false)
	if !m.AllowValue("https://anything.invalid") {
		t.Fatal("expected any origin to be allowed")
	}
	if m.AllowValue("") {
		t.Fatal("expected absent origin to stay governed by allowNoOrigin")
	}
}

func TestMatcher_NoOrigin(t *testing.T) {
	if !NewMatcher([]string{"example.com"}, true).AllowValue("") {
		t.Fatal("expected request without Origin to be allowed")
	}
	if NewMatcher([]string{"example.com"}, false).AllowValue("") {
		t.Fatal("expected request without Origin to be rejected")
	}
}

func TestMatcher_AllowRequest(t *testing.T) {
	m := NewMatcher([]string{"example.com"}, false)
	r := httptest.NewRequest("GET", "http://relay.local/api/v1/signals/ws", nil)
	r.Header.Set("Origin", "https://example.com")
	if !m.AllowRequest(r) {
		t.Fatal("expected request origin to be allowed")
	}
	if !m.CheckOrigin()(r) {
		t.Fatal("expected upgrader hook to agree with AllowRequest")
	}
}

func TestMatcher_BlankEntriesDropped(t *testing.T) {
	m := NewMatcher([]string{" ", "", "example.com "}, false)
	if !m.AllowValue("https://example.com") {
		t.Fatal("expected trimmed entry to match")
	}
	if m.AllowValue("https://other.com") {
		t.Fatal("expected unlisted origin to be rejected")
	}
}

package identity

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestStaticResolverBearerHeader(t *testing.T) {
	resolver := NewStaticResolver([]User{
		{Token: "tok-a", ID: "1", Email: "a@example.com", Ports: PortRange{Start: 20000, End: 20009}},
	})

	r := httptest.NewRequest("GET", "/ws/terminal?tab=1", nil)
	r.Header.Set("Authorization", "Bearer tok-a")

	id, err := resolver.Resolve(r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.UserID != "1" || id.Ports.Start != 20000 {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestStaticResolverQueryToken(t *testing.T) {
	resolver := NewStaticResolver([]User{{Token: "tok-b", ID: "2"}})

	r := httptest.NewRequest("GET", "/ws/terminal?token=tok-b", nil)
	if _, err := resolver.Resolve(r); err != nil {
		t.Fatalf("resolve: %v", err)
	}
}

func TestStaticResolverRejectsUnknownToken(t *testing.T) {
	resolver := NewStaticResolver([]User{{Token: "tok-a", ID: "1"}})

	r := httptest.NewRequest("GET", "/ws/terminal", nil)
	if _, err := resolver.Resolve(r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	r = httptest.NewRequest("GET", "/ws/terminal?token=wrong", nil)
	if _, err := resolver.Resolve(r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestSanitizedEmail(t *testing.T) {
	if got := (Identity{Email: "a/b@example.com"}).SanitizedEmail(); got != "a_b@example.com" {
		t.Fatalf("unexpected sanitized email: %q", got)
	}
	if got := (Identity{}).SanitizedEmail(); got != "participant" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestPortRangeValid(t *testing.T) {
	if (PortRange{}).Valid() {
		t.Fatalf("zero range should be invalid")
	}
	if !(PortRange{Start: 20000, End: 20009}).Valid() {
		t.Fatalf("expected valid range")
	}
	if (PortRange{Start: 20009, End: 20000}).Valid() {
		t.Fatalf("inverted range should be invalid")
	}
}

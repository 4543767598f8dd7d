package security

import (
	"net"
	"testing"
)

func TestURLValidator_BlocksLoopback(t *testing.T) {
	v := NewURLValidator(false)
	if err := v.Validate("http://localhost:8080/hook"); err == nil {
		t.Fatal("expected localhost to be blocked")
	}
	if err := v.Validate("http://127.0.0.1/hook"); err == nil {
		t.Fatal("expected loopback IP to be blocked")
	}
}

func TestURLValidator_BlocksNonHTTPScheme(t *testing.T) {
	v := NewURLValidator(false)
	if err := v.Validate("file:///etc/passwd"); err == nil {
		t.Fatal("expected file:// scheme to be blocked")
	}
	if err := v.Validate("gopher://example.com"); err == nil {
		t.Fatal("expected gopher:// scheme to be blocked")
	}
}

func TestURLValidator_BlocksPathTraversal(t *testing.T) {
	v := NewURLValidator(false)
	if err := v.Validate("https://example.com/../../etc/passwd"); err == nil {
		t.Fatal("expected path traversal to be blocked")
	}
}

func TestURLValidator_AllowsOrdinaryHTTPSURL(t *testing.T) {
	v := NewURLValidator(false)
	if err := v.Validate("https://example.com/webhooks/receive?id=123"); err != nil {
		t.Fatalf("expected ordinary https url to pass, got %v", err)
	}
}

func TestIPValidator_BlocksPrivateUnlessAllowed(t *testing.T) {
	strict := NewIPValidator(false)
	if err := strict.Validate(net.ParseIP("192.168.1.1")); err == nil {
		t.Fatal("expected private IP to be blocked by default")
	}

	lenient := NewIPValidator(true)
	if err := lenient.Validate(net.ParseIP("192.168.1.1")); err != nil {
		t.Fatalf("expected private IP to pass when allowPrivate is set, got %v", err)
	}
}

func TestIPValidator_AlwaysBlocksLoopbackAndMulticast(t *testing.T) {
	lenient := NewIPValidator(true)
	if err := lenient.Validate(net.ParseIP("127.0.0.1")); err == nil {
		t.Fatal("expected loopback to remain blocked even with allowPrivate")
	}
	if err := lenient.Validate(net.ParseIP("224.0.0.1")); err == nil {
		t.Fatal("expected multicast to remain blocked even with allowPrivate")
	}
}

func TestPathValidator_BlocksEncodedTraversal(t *testing.T) {
	v := NewPathValidator()
	if err := v.Validate("/files?name=..%2f..%2fetc%2fpasswd"); err == nil {
		t.Fatal("expected encoded traversal to be blocked")
	}
}

func TestProtocolValidator_RejectsUnknownScheme(t *testing.T) {
	v := NewProtocolValidator()
	if err := v.Validate("ftp"); err == nil {
		t.Fatal("expected ftp scheme to be rejected")
	}
	if err := v.Validate("https"); err != nil {
		t.Fatalf("expected https to be accepted, got %v", err)
	}
}

package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"testing"
)

// stubResolver returns fixed addresses (or an error) for every lookup.
type stubResolver struct {
	addrs []net.IPAddr
	err   error
}

func (s stubResolver) LookupIPAddr(_ context.Context, _ string) ([]net.IPAddr, error) {
	return s.addrs, s.err
}

func publicValidator() *Validator {
	return &Validator{resolver: stubResolver{addrs: []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}}}
}

func TestValidateURLRejections(t *testing.T) {
	t.Parallel()
	v := publicValidator()

	tests := []struct {
		name string
		url  string
	}{
		{"localhost", "http://localhost/x"},
		{"loopback", "http://127.0.0.1/"},
		{"loopback prefix", "http://127.1.2.3/"},
		{"unspecified", "http://0.0.0.0/"},
		{"ipv6 loopback", "http://[::1]/"},
		{"localhost suffix", "http://evil.localhost/"},
		{"private 10", "http://10.0.0.5/"},
		{"private 192.168", "http://192.168.1.1/"},
		{"private 172.16", "http://172.16.0.1/"},
		{"aws metadata", "http://169.254.169.254/latest/meta-data"},
		{"gcp metadata", "http://metadata.google.internal/"},
		{"alibaba metadata", "http://100.100.100.200/"},
		{"ftp scheme", "ftp://example.com/"},
		{"file scheme", "file:///etc/passwd"},
		{"not a url", "not-a-url"},
		{"empty host", "http:///path"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := v.ValidateURL(context.Background(), tt.url); err == nil {
				t.Errorf("ValidateURL(%q) = nil, want error", tt.url)
			}
		})
	}
}

func TestValidateURLAllowsPublic(t *testing.T) {
	t.Parallel()
	v := publicValidator()

	if err := v.ValidateURL(context.Background(), "https://example.com/file.png"); err != nil {
		t.Errorf("ValidateURL() error = %v, want nil", err)
	}
}

func TestValidateURLRejectsPrivateResolution(t *testing.T) {
	t.Parallel()

	// Public-looking hostname whose DNS answer is a private address (rebinding).
	v := &Validator{resolver: stubResolver{addrs: []net.IPAddr{{IP: net.ParseIP("10.1.2.3")}}}}
	err := v.ValidateURL(context.Background(), "https://rebind.example.com/f")
	if !errors.Is(err, ErrBlockedURL) {
		t.Errorf("ValidateURL() error = %v, want ErrBlockedURL", err)
	}

	v = &Validator{resolver: stubResolver{addrs: []net.IPAddr{{IP: net.ParseIP("169.254.10.10")}}}}
	if err := v.ValidateURL(context.Background(), "https://linklocal.example.com/f"); !errors.Is(err, ErrBlockedURL) {
		t.Errorf("ValidateURL() error = %v, want ErrBlockedURL for link-local resolution", err)
	}
}

func TestValidateURLDNSFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	v := &Validator{resolver: stubResolver{err: errors.New("no such host")}}
	if err := v.ValidateURL(context.Background(), "https://flaky.example.com/f"); err != nil {
		t.Errorf("ValidateURL() error = %v, want nil on DNS failure", err)
	}
}

func TestDecodeBase64(t *testing.T) {
	t.Parallel()

	payload := base64.StdEncoding.EncodeToString([]byte("hello world"))

	raw, mime, err := DecodeBase64(payload, 0)
	if err != nil {
		t.Fatalf("DecodeBase64() error = %v", err)
	}
	if string(raw) != "hello world" || mime != "" {
		t.Errorf("DecodeBase64() = %q, %q", raw, mime)
	}
}

func TestDecodeBase64DataURI(t *testing.T) {
	t.Parallel()

	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4e, 0x47})

	raw, mime, err := DecodeBase64(payload, 0)
	if err != nil {
		t.Fatalf("DecodeBase64() error = %v", err)
	}
	if mime != "image/png" {
		t.Errorf("data-URI mime = %q, want image/png", mime)
	}
	if len(raw) != 4 {
		t.Errorf("decoded %d bytes, want 4", len(raw))
	}
}

func TestDecodeBase64Invalid(t *testing.T) {
	t.Parallel()

	for _, data := range []string{"", "!!not-base64!!", "ab=cd", "a"} {
		if _, _, err := DecodeBase64(data, 0); err == nil {
			t.Errorf("DecodeBase64(%q) = nil, want error", data)
		}
	}
}

func TestDecodeBase64SizeBoundary(t *testing.T) {
	t.Parallel()

	const limit = int64(3 * 1024) // small cap keeps the test fast; the check is proportional

	exact := base64.StdEncoding.EncodeToString(make([]byte, limit))
	if _, _, err := DecodeBase64(exact, limit); err != nil {
		t.Errorf("DecodeBase64(exactly at limit) error = %v, want nil", err)
	}

	over := base64.StdEncoding.EncodeToString(make([]byte, limit+1))
	if _, _, err := DecodeBase64(over, limit); !errors.Is(err, ErrTooLarge) {
		t.Errorf("DecodeBase64(one byte over) error = %v, want ErrTooLarge", err)
	}
}

func TestInferMIME(t *testing.T) {
	t.Parallel()

	tests := []struct {
		caller, dataURI, filename, want string
	}{
		{"image/webp", "image/png", "photo.jpg", "image/webp"},
		{"garbage", "image/png", "photo.jpg", "image/png"},
		{"", "", "photo.PNG", "image/png"},
		{"", "", "https://example.com/file.png", "image/png"},
		{"", "", "doc.pdf", "application/pdf"},
		{"", "", "archive.7z", "application/x-7z-compressed"},
		{"", "", "video.mkv", "video/x-matroska"},
		{"", "", "noextension", "application/octet-stream"},
		{"", "", "weird.xyz", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := InferMIME(tt.caller, tt.dataURI, tt.filename); got != tt.want {
			t.Errorf("InferMIME(%q, %q, %q) = %q, want %q", tt.caller, tt.dataURI, tt.filename, got, tt.want)
		}
	}
}

func TestClassOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime string
		want TypeClass
	}{
		{"image/png", TypeImage},
		{"video/mp4", TypeVideo},
		{"audio/ogg", TypeAudio},
		{"application/pdf", TypeDocument},
		{"text/plain", TypeDocument},
	}
	for _, tt := range tests {
		if got := ClassOf(tt.mime); got != tt.want {
			t.Errorf("ClassOf(%q) = %q, want %q", tt.mime, got, tt.want)
		}
	}
}

func TestBase64SpecSizeFormula(t *testing.T) {
	t.Parallel()

	// Unpadded length estimate must track the true decoded size for payloads
	// whose encoded form carries padding.
	for _, n := range []int{1, 2, 3, 4, 5, 300} {
		data := base64.StdEncoding.EncodeToString(make([]byte, n))
		raw, _, err := DecodeBase64(data, int64(n))
		if err != nil {
			t.Fatalf("DecodeBase64(%d bytes) error = %v", n, err)
		}
		if len(raw) != n {
			t.Errorf("decoded %d bytes, want %d", len(raw), n)
		}
		if !strings.HasSuffix(data, "=") && n%3 != 0 {
			t.Errorf("expected padding for n=%d", n)
		}
	}
}

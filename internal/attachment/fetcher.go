package attachment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Fetcher downloads validated attachment URLs into memory, enforcing the
// configured size cap during the read.
type Fetcher struct {
	client    *http.Client
	validator *Validator
	maxSize   int64
}

// maxRedirects caps redirect chains during attachment fetches.
const maxRedirects = 5

// NewFetcher creates a Fetcher. maxSize <= 0 selects DefaultMaxSize.
func NewFetcher(validator *Validator, maxSize int64) *Fetcher {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext:         validator.DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("%w: more than %d redirects", ErrInvalidURL, maxRedirects)
				}
				// Redirect targets get the same check as the original URL.
				return validator.ValidateURL(req.Context(), req.URL.String())
			},
		},
		validator: validator,
		maxSize:   maxSize,
	}
}

// Fetch validates the URL and downloads the body into a buffer. The returned
// MIME type is the response Content-Type when present, otherwise inferred from
// the URL path.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (data []byte, mime string, err error) {
	if err := f.validator.ValidateURL(ctx, rawURL); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch attachment: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch attachment: unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > f.maxSize {
		return nil, "", fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, resp.ContentLength, f.maxSize)
	}

	// Read one byte past the cap so truncated-at-limit bodies are detected.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read attachment body: %w", err)
	}
	if int64(len(body)) > f.maxSize {
		return nil, "", fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, f.maxSize)
	}

	mime, _, _ = strings.Cut(resp.Header.Get("Content-Type"), ";")
	mime = strings.TrimSpace(mime)
	if mime == "" || !mimePattern.MatchString(mime) {
		mime = InferMIME("", "", rawURL)
	}
	return body, mime, nil
}

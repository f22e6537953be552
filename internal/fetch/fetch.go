// Package fetch downloads remote entry artifacts and configuration documents
// over HTTP.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultProbeTimeout = 2 * time.Second
	maxArtifactSize     = 16 << 20 // 16 MiB
)

// Config configures the fetcher.
type Config struct {
	// Timeout applies to each individual fetch. Retrying across attempts is
	// the loader's concern.
	Timeout time.Duration

	// ProbeTimeout applies to existence probes; kept short so an entirely
	// unreachable remote fails fast.
	ProbeTimeout time.Duration
}

// Fetcher downloads entry artifacts. All transport failures are returned as
// errors; the fetcher never retries on its own.
type Fetcher struct {
	client       *http.Client
	probeClient  *http.Client
	probeTimeout time.Duration
}

// New creates a fetcher.
func New(cfg Config) *Fetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = defaultProbeTimeout
	}

	return &Fetcher{
		client:       &http.Client{Timeout: timeout},
		probeClient:  &http.Client{Timeout: probeTimeout},
		probeTimeout: probeTimeout,
	}
}

// Fetch downloads the artifact at u and returns its bytes.
func (f *Fetcher) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", u, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	if len(data) > maxArtifactSize {
		return nil, fmt.Errorf("fetch %s: artifact exceeds %d bytes", u, maxArtifactSize)
	}
	return data, nil
}

// Probe issues a lightweight existence check against u with a short timeout.
// A nil return means the location answered with a non-5xx status.
func (f *Fetcher) Probe(ctx context.Context, u *url.URL) error {
	ctx, cancel := context.WithTimeout(ctx, f.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build probe for %s: %w", u, err)
	}

	resp, err := f.probeClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", u, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	// Some CDNs reject HEAD with 403/405; only server errors and 404 count
	// as unreachable.
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("probe %s: unexpected status %d", u, resp.StatusCode)
	}
	return nil
}

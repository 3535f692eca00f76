// Package web implements the provider interface for HTTP(S) download
// services. Keys are absolute URLs.
package web

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/3leaps/climgrid/pkg/provider"
)

// DefaultUserAgent identifies the client to archive operators.
const DefaultUserAgent = "climgrid"

// Config configures a web provider.
type Config struct {
	// Client performs requests. Nil uses a client without a global timeout;
	// callers bound each attempt with a context deadline instead.
	Client *http.Client

	// UserAgent is sent with every request. Empty means DefaultUserAgent.
	UserAgent string

	// Header holds extra request headers.
	Header http.Header
}

// Provider downloads objects over HTTP.
type Provider struct {
	client    *http.Client
	userAgent string
	header    http.Header
}

var _ provider.Provider = (*Provider)(nil)

// New creates a web provider.
func New(cfg Config) *Provider {
	p := &Provider{client: cfg.Client, userAgent: cfg.UserAgent, header: cfg.Header.Clone()}
	if p.client == nil {
		p.client = &http.Client{}
	}
	if p.userAgent == "" {
		p.userAgent = DefaultUserAgent
	}
	return p
}

// Close releases idle connections.
func (p *Provider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Head issues a HEAD request for key.
func (p *Provider) Head(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	resp, err := p.do(ctx, http.MethodHead, key)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()
	if err := p.checkStatus("Head", key, resp); err != nil {
		return nil, err
	}
	return metaFrom(key, resp), nil
}

// GetObject issues a GET request for key and returns the response body.
// Non-2xx responses are returned as a *provider.ProviderError carrying the
// status code.
func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	resp, err := p.do(ctx, http.MethodGet, key)
	if err != nil {
		return nil, 0, err
	}
	if err := p.checkStatus("GetObject", key, resp); err != nil {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		_ = resp.Body.Close()
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (p *Provider) do(ctx context.Context, method, key string) (*http.Response, error) {
	u, err := url.Parse(key)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &provider.ProviderError{Op: method, Provider: provider.ProviderHTTP, Key: key,
			Err: fmt.Errorf("%w: not an http url", provider.ErrUnexpectedStatus)}
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, &provider.ProviderError{Op: method, Provider: provider.ProviderHTTP, Key: key, Err: err}
	}
	for k, vs := range p.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &provider.ProviderError{Op: method, Provider: provider.ProviderHTTP, Key: key, Err: err}
	}
	return resp, nil
}

func (p *Provider) checkStatus(op, key string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderHTTP,
		Key:      key,
		Status:   resp.StatusCode,
		Err:      provider.StatusError(resp.StatusCode),
	}
}

func metaFrom(key string, resp *http.Response) *provider.ObjectMeta {
	meta := &provider.ObjectMeta{
		ObjectSummary: provider.ObjectSummary{
			Key:  key,
			Size: resp.ContentLength,
			ETag: resp.Header.Get("ETag"),
		},
		ContentType: resp.Header.Get("Content-Type"),
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		meta.LastModified = lm.UTC()
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		meta.Metadata = map[string]string{"filename": params["filename"]}
	}
	return meta
}

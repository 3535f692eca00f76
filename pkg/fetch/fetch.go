// Package fetch downloads grid archives into the store.
//
// Fetch is idempotent per key: an archive already present in the store that
// passes the integrity check is returned without network access. Transient
// failures are retried with bounded exponential backoff; every attempt runs
// under its own timeout.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/climgrid/pkg/climate"
	"github.com/3leaps/climgrid/pkg/provider"
	"github.com/3leaps/climgrid/pkg/provider/file"
	"github.com/3leaps/climgrid/pkg/provider/s3"
	"github.com/3leaps/climgrid/pkg/provider/web"
	"github.com/3leaps/climgrid/pkg/resolver"
	"github.com/3leaps/climgrid/pkg/store"
)

// zipSignature starts every local file header.
var zipSignature = [4]byte{'P', 'K', 0x03, 0x04}

// Validation failures. Both are permanent: the archive service answered,
// just not with an archive.
var (
	ErrTooSmall     = errors.New("archive body too small")
	ErrBadSignature = errors.New("archive signature mismatch")
)

// Metrics receives fetch instrumentation.
type Metrics interface {
	ObserveFetchAttempt(result string)
	AddFetchBytes(n int64)
}

// Attempt results reported to Metrics.
const (
	ResultOK     = "ok"
	ResultRetry  = "retry"
	ResultFailed = "failed"
	ResultCached = "cached"
)

type nopMetrics struct{}

func (nopMetrics) ObserveFetchAttempt(string) {}
func (nopMetrics) AddFetchBytes(int64)        {}

// Config configures a Fetcher.
type Config struct {
	// Resolver maps keys to URLs. Nil compiles resolver.DefaultTemplate.
	Resolver resolver.Resolver

	// Timeout bounds each attempt, including the body transfer.
	// Default: 30s
	Timeout time.Duration

	// Attempts is the maximum number of attempts per archive.
	// Default: 3
	Attempts int

	// InitialBackoff and MaxBackoff shape the exponential retry delay.
	// Default: 1s and 15s
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RateLimit is the maximum requests per second across all workers.
	// Zero means unlimited.
	RateLimit float64

	// MinBytes rejects bodies smaller than an empty zip archive.
	// Default: 22
	MinBytes int64

	// UserAgent is sent to HTTP sources.
	UserAgent string

	// HTTPClient overrides the client used for HTTP sources.
	HTTPClient *http.Client

	// S3 supplies region, endpoint and credentials for s3:// sources.
	// Bucket is taken from each URL.
	S3 s3.Config

	Logger  *zap.Logger
	Metrics Metrics
}

// DefaultConfig returns the default fetch configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:        30 * time.Second,
		Attempts:       3,
		InitialBackoff: time.Second,
		MaxBackoff:     15 * time.Second,
		MinBytes:       22,
	}
}

// Fetcher downloads archives. It is safe for concurrent use.
type Fetcher struct {
	cfg     Config
	store   store.Store
	limiter *rate.Limiter
	log     *zap.Logger

	web  *web.Provider
	file *file.Provider

	mu      sync.Mutex
	buckets map[string]provider.Provider
}

// New creates a Fetcher writing into st.
func New(st store.Store, cfg Config) (*Fetcher, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = def.MinBytes
	}
	if cfg.Resolver == nil {
		tpl, err := resolver.Compile("")
		if err != nil {
			return nil, err
		}
		cfg.Resolver = tpl
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}

	root, err := file.New(file.Config{BaseDir: string(os.PathSeparator)})
	if err != nil {
		return nil, err
	}
	f := &Fetcher{
		cfg:     cfg,
		store:   st,
		log:     cfg.Logger,
		web:     web.New(web.Config{Client: cfg.HTTPClient, UserAgent: cfg.UserAgent}),
		file:    root,
		buckets: make(map[string]provider.Provider),
	}
	if cfg.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return f, nil
}

// Close releases source connections.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, p := range f.buckets {
		errs = append(errs, p.Close())
	}
	errs = append(errs, f.web.Close(), f.file.Close())
	return errors.Join(errs...)
}

// ArchivePath is where the archive for k lives in the store.
func (f *Fetcher) ArchivePath(k climate.Key) string {
	return f.store.Path(store.KindArchives, k, ".zip")
}

// URL resolves the download location for k.
func (f *Fetcher) URL(k climate.Key) (string, error) {
	return f.cfg.Resolver.Resolve(k)
}

// Fetch returns the local archive path for k, downloading it if needed.
//
// Failures are returned as *climate.FetchError, except that cancellation of
// ctx is returned as ctx.Err().
func (f *Fetcher) Fetch(ctx context.Context, k climate.Key) (string, error) {
	path := f.ArchivePath(k)
	log := f.log.With(zap.String("key", k.String()))

	unlock := f.store.Lock(k)
	defer unlock()

	switch err := f.verify(path); {
	case err == nil:
		f.cfg.Metrics.ObserveFetchAttempt(ResultCached)
		log.Debug("Archive already fetched", zap.String("path", path))
		return path, nil
	case errors.Is(err, os.ErrNotExist):
	default:
		log.Warn("Discarding invalid archive", zap.String("path", path), zap.Error(err))
		if rmErr := f.store.Remove(path); rmErr != nil {
			return "", f.fetchError(k, "", 0, rmErr)
		}
	}

	rawURL, err := f.URL(k)
	if err != nil {
		return "", f.fetchError(k, "", 0, err)
	}
	src, key, err := f.source(ctx, rawURL)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", f.fetchError(k, rawURL, 0, err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.cfg.InitialBackoff
	eb.MaxInterval = f.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(f.cfg.Attempts-1)), ctx)

	attempts := 0
	var written int64
	op := func() error {
		attempts++
		n, err := f.attempt(ctx, src, key, path)
		if err == nil {
			written = n
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if provider.IsPermanent(err) || errors.Is(err, ErrTooSmall) || errors.Is(err, ErrBadSignature) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		f.cfg.Metrics.ObserveFetchAttempt(ResultRetry)
		log.Warn("Fetch attempt failed, retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	start := time.Now()
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		f.cfg.Metrics.ObserveFetchAttempt(ResultFailed)
		return "", f.fetchError(k, rawURL, attempts, err)
	}

	f.cfg.Metrics.ObserveFetchAttempt(ResultOK)
	f.cfg.Metrics.AddFetchBytes(written)
	log.Info("Fetched archive",
		zap.String("url", rawURL),
		zap.Int64("bytes", written),
		zap.Int("attempts", attempts),
		zap.Duration("duration", time.Since(start)))
	return path, nil
}

func (f *Fetcher) attempt(ctx context.Context, src provider.Provider, key, path string) (int64, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	actx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	body, length, err := src.GetObject(actx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	var n int64
	err = f.store.Create(path, func(w io.Writer) error {
		vw := &validatingWriter{w: w}
		copied, err := io.Copy(vw, body)
		n = copied
		if err != nil {
			return err
		}
		if length >= 0 && copied != length {
			return fmt.Errorf("%w: got %d of %d bytes", io.ErrUnexpectedEOF, copied, length)
		}
		return vw.check(f.cfg.MinBytes)
	})
	return n, err
}

// verify applies the integrity check to an existing archive.
func (f *Fetcher) verify(path string) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = fh.Close() }()
	st, err := fh.Stat()
	if err != nil {
		return err
	}
	if st.Size() < f.cfg.MinBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooSmall, st.Size())
	}
	var head [4]byte
	if _, err := io.ReadFull(fh, head[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if head != zipSignature {
		return ErrBadSignature
	}
	return nil
}

// source picks the provider for rawURL and the key to request from it.
func (f *Fetcher) source(ctx context.Context, rawURL string) (provider.Provider, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", err
	}
	switch u.Scheme {
	case "http", "https":
		return f.web, rawURL, nil
	case "file":
		return f.file, u.Path, nil
	case "s3":
		bucket, key, err := s3.ParseURL(rawURL)
		if err != nil {
			return nil, "", err
		}
		p, err := f.bucket(ctx, bucket)
		if err != nil {
			return nil, "", err
		}
		return p, key, nil
	}
	return nil, "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
}

func (f *Fetcher) bucket(ctx context.Context, name string) (provider.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.buckets[name]; ok {
		return p, nil
	}
	cfg := f.cfg.S3
	cfg.Bucket = name
	p, err := s3.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	f.buckets[name] = p
	return p, nil
}

func (f *Fetcher) fetchError(k climate.Key, rawURL string, attempts int, err error) error {
	return &climate.FetchError{
		Date:     k.Date,
		Variable: k.Variable,
		URL:      rawURL,
		Status:   provider.StatusOf(err),
		Attempts: attempts,
		Err:      err,
	}
}

// validatingWriter captures the leading bytes and total size of a body.
type validatingWriter struct {
	w    io.Writer
	n    int64
	head []byte
}

func (v *validatingWriter) Write(p []byte) (int, error) {
	if need := len(zipSignature) - len(v.head); need > 0 {
		v.head = append(v.head, p[:min(need, len(p))]...)
	}
	n, err := v.w.Write(p)
	v.n += int64(n)
	return n, err
}

func (v *validatingWriter) check(minBytes int64) error {
	if v.n < minBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooSmall, v.n)
	}
	if string(v.head) != string(zipSignature[:]) {
		return ErrBadSignature
	}
	return nil
}

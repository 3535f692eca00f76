package s3

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseURL splits an s3://bucket/key location.
func ParseURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse s3 url %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("parse s3 url %q: scheme must be s3", raw)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("parse s3 url %q: missing bucket", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	return u.Host, key, nil
}

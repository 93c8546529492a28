package s3store

import (
	"fmt"
	"net/url"

	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

// ParseURI splits a store URL of the form s3://bucket/prefix. The prefix is
// returned with a trailing slash, or empty for the bucket root.
func ParseURI(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URI %q: %w", raw, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid S3 URI %q: must start with s3://", raw)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid S3 URI %q: missing bucket name", raw)
	}
	return u.Host, store.NormalizePrefix(u.Path), nil
}

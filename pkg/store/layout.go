package store

import (
	"fmt"
	"path"
	"strings"
)

// Object layout used by the bucket-backed providers:
//
//	{prefix}files/{sha[:2]}/{sha}/{size}.blob
//	{prefix}checkouts/{checkoutPath}/{file path}
//	{prefix}checkouts/{checkoutPath}/.checkout.json

const checkoutMarker = ".checkout.json"

// BlobKey returns the key for the content identified by digest and size.
func BlobKey(prefix, digest string, size int64) string {
	shard := digest
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return fmt.Sprintf("%sfiles/%s/%s/%d.blob", prefix, shard, digest, size)
}

// CheckoutKey returns the key of filePath inside a checkout.
func CheckoutKey(prefix, checkoutPath, filePath string) string {
	return prefix + path.Join("checkouts", checkoutPath, filePath)
}

// CheckoutMarkerKey returns the key of the marker written once a checkout is complete.
func CheckoutMarkerKey(prefix, checkoutPath string) string {
	return CheckoutKey(prefix, checkoutPath, checkoutMarker)
}

// CleanCheckoutPath normalises a checkout path and rejects paths that would
// escape the checkout root.
func CleanCheckoutPath(p string) (string, error) {
	slashed := strings.ReplaceAll(p, "\\", "/")
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return "", fmt.Errorf("checkout path %q escapes the checkout root", p)
		}
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+slashed), "/")
	if cleaned == "" {
		return "", fmt.Errorf("invalid checkout path %q", p)
	}
	return cleaned, nil
}

// NormalizePrefix makes sure a non-empty prefix ends with a slash.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimLeft(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

package main

import (
	"context"
	"fmt"
	"net/url"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/yuya-takeyama/shaman-pack/internal/config"
	"github.com/yuya-takeyama/shaman-pack/pkg/store"
	"github.com/yuya-takeyama/shaman-pack/pkg/store/bucketstore"
	"github.com/yuya-takeyama/shaman-pack/pkg/store/s3store"
	"github.com/yuya-takeyama/shaman-pack/pkg/store/shaman"
)

// storeOptions are provider settings that only come from flags.
type storeOptions struct {
	profile     string
	region      string
	concurrency int
}

// openStore picks the store provider from the URL scheme. The returned
// func releases it.
func openStore(ctx context.Context, cfg *config.Config, opts storeOptions) (store.Store, func() error, error) {
	noop := func() error { return nil }

	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid store URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		shamanOpts := []shaman.Option{shaman.WithCompression(cfg.Compress)}
		for k, v := range cfg.Headers {
			shamanOpts = append(shamanOpts, shaman.WithHeader(k, v))
		}
		c, err := shaman.New(cfg.Store, shamanOpts...)
		if err != nil {
			return nil, nil, err
		}
		return c, noop, nil

	case "s3":
		bucket, prefix, err := s3store.ParseURI(cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		var configOpts []func(*awsconfig.LoadOptions) error
		if opts.profile != "" {
			configOpts = append(configOpts, awsconfig.WithSharedConfigProfile(opts.profile))
		}
		if opts.region != "" {
			configOpts = append(configOpts, awsconfig.WithRegion(opts.region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, configOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return s3store.New(s3store.NewAWSClient(awsCfg), bucket, prefix, s3store.WithConcurrency(opts.concurrency)), noop, nil

	case "file", "mem", "gs":
		s, err := bucketstore.Open(ctx, cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}

	return nil, nil, fmt.Errorf("unsupported store URL %q: scheme must be http, https, s3, file, mem or gs", cfg.Store)
}

//go:build cloudintegration

package s3_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/climgrid/pkg/provider"
	"github.com/3leaps/climgrid/pkg/provider/s3"
	"github.com/3leaps/climgrid/test/cloudtest"
)

func TestProvider_Mirror(t *testing.T) {
	cloudtest.SkipIfUnavailable(t)
	ctx := context.Background()

	bucket := cloudtest.CreateBucket(t, ctx)
	cloudtest.PutArchives(t, ctx, bucket, map[string][]byte{
		"daily/ppt/20200101.zip":   []byte("PK\x03\x04 first"),
		"daily/ppt/20200102.zip":   []byte("PK\x03\x04 second"),
		"monthly/ppt/202001.zip":   []byte("PK\x03\x04 month"),
		"daily/tmean/20200101.zip": []byte("PK\x03\x04 temp"),
	})

	p, err := s3.New(ctx, cloudtest.MirrorConfig(bucket))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	t.Run("head", func(t *testing.T) {
		meta, err := p.Head(ctx, "daily/ppt/20200101.zip")
		require.NoError(t, err)
		assert.Equal(t, int64(len("PK\x03\x04 first")), meta.Size)
		assert.Equal(t, "application/zip", meta.ContentType)
		assert.NotEmpty(t, meta.ETag)
	})

	t.Run("get", func(t *testing.T) {
		rc, size, err := p.GetObject(ctx, "daily/ppt/20200102.zip")
		require.NoError(t, err)
		defer func() { _ = rc.Close() }()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "PK\x03\x04 second", string(data))
		assert.Equal(t, int64(len(data)), size)
	})

	t.Run("missing key", func(t *testing.T) {
		_, _, err := p.GetObject(ctx, "daily/ppt/19990101.zip")
		require.Error(t, err)
		assert.True(t, provider.IsNotFound(err))
		assert.True(t, provider.IsPermanent(err))
	})

	t.Run("list pages under a prefix", func(t *testing.T) {
		page, err := p.List(ctx, provider.ListOptions{Prefix: "daily/ppt/", MaxKeys: 1})
		require.NoError(t, err)
		require.Len(t, page.Objects, 1)
		assert.True(t, page.IsTruncated)

		next, err := p.List(ctx, provider.ListOptions{Prefix: "daily/ppt/", MaxKeys: 1, ContinuationToken: page.ContinuationToken})
		require.NoError(t, err)
		require.Len(t, next.Objects, 1)
		assert.NotEqual(t, page.Objects[0].Key, next.Objects[0].Key)
	})

	t.Run("missing bucket", func(t *testing.T) {
		other, err := s3.New(ctx, cloudtest.MirrorConfig(bucket+"-missing"))
		require.NoError(t, err)
		_, err = other.Head(ctx, "daily/ppt/20200101.zip")
		require.Error(t, err)
		assert.True(t, provider.IsBucketNotFound(err) || provider.IsNotFound(err))
	})
}

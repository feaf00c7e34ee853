package archive

import "context"

// Options selects and configures a snapshot backend. A bucket name
// picks the matching cloud store; otherwise Dir selects the
// filesystem.
type Options struct {
	Dir string

	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string

	GCSBucket string
	GCSPrefix string
}

// Open builds a Store from Options. GCS requires a binary built with
// the gcp tag.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch {
	case opts.S3Bucket != "":
		return NewS3Store(ctx, S3Config{
			Bucket:   opts.S3Bucket,
			Region:   opts.S3Region,
			Endpoint: opts.S3Endpoint,
			Prefix:   opts.S3Prefix,
		})
	case opts.GCSBucket != "":
		return openGCS(ctx, opts.GCSBucket, opts.GCSPrefix)
	default:
		dir := opts.Dir
		if dir == "" {
			dir = "archive"
		}
		return NewFileStore(dir)
	}
}

// Package s3 reads archives from mirrors kept in AWS S3 or an S3-compatible
// store, addressed as s3://bucket/key in URL templates.
package s3

import "errors"

const (
	// DefaultAWSRegion applies to AWS S3 when neither the config, the
	// environment nor a profile names a region.
	DefaultAWSRegion = "us-east-1"

	// DefaultMaxKeys and MaxAllowedKeys bound List page sizes.
	DefaultMaxKeys = 1000
	MaxAllowedKeys = 1000
)

// Config locates one mirror bucket. Credentials come from the SDK default
// chain (environment, shared profile, instance role) unless AccessKeyID and
// SecretAccessKey are both set.
type Config struct {
	Bucket string

	// Region overrides the SDK-resolved region. No default is applied when
	// Endpoint is set.
	Region string

	// Endpoint targets an S3-compatible store, e.g. http://localhost:9000.
	Endpoint string

	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path. Most S3-compatible
	// stores need it.
	ForcePathStyle bool

	// MaxKeys is the List page size. Zero means DefaultMaxKeys.
	MaxKeys int
}

// Validate reports the first missing or inconsistent field.
func (c *Config) Validate() error {
	switch {
	case c.Bucket == "":
		return &ConfigError{Field: "Bucket", Err: errMissingBucket}
	case (c.AccessKeyID == "") != (c.SecretAccessKey == ""):
		return &ConfigError{Field: "AccessKeyID/SecretAccessKey", Err: errPartialCredentials}
	}
	return nil
}

var (
	errMissingBucket      = errors.New("bucket is required")
	errPartialCredentials = errors.New("access key id and secret access key must be set together")
)

// ConfigError is a rejected mirror configuration.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "s3 mirror config: " + e.Field + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

package provider

import "context"

// Optional provider capability interfaces, detected by type assertion.

// ObjectLister can enumerate objects under a prefix. Archive mirrors use it
// for connectivity checks.
type ObjectLister interface {
	List(ctx context.Context, opts ListOptions) (*ListResult, error)
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses the provider default.
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	IsTruncated bool
}

package classifier

import (
	"context"

	"scripthub/pkg/domain"
)

// Request carries the inputs the external classifier judges on. Artifact
// bytes never leave the service; the classifier sees metadata plus the
// structural pre-check outcome.
type Request struct {
	Title       string
	Description string
	HasManifest bool
}

// Result is the classifier's verdict with a human-readable report.
type Result struct {
	Verdict domain.ScanStatus // clean or infected, never pending
	Report  string
}

// Classifier renders a safety verdict for a submitted script. Implementations
// may fail (timeout, malformed response, quota); callers own the fallback.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func openGCS(_ context.Context, _, _ string) (Store, error) {
	return nil, fmt.Errorf("GCS archival is not enabled in this build (use -tags gcp)")
}

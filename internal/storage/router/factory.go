// Package router instantiates storage providers from configuration
// and routes request paths to the provider mounted closest to them.
package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stashd/stashd/internal/storage"
	"github.com/stashd/stashd/internal/storage/local"
	s3provider "github.com/stashd/stashd/internal/storage/s3"
	"github.com/stashd/stashd/internal/storage/smb"
)

// NewProviderFromConfig creates a Provider from a backend type string
// and JSON config.
func NewProviderFromConfig(ctx context.Context, backendType string, config json.RawMessage) (storage.Provider, error) {
	switch backendType {
	case "s3":
		return s3provider.NewFromJSON(ctx, config)
	case "local":
		return local.NewFromJSON(config)
	case "smb":
		return smb.NewFromJSON(config)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}

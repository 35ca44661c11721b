package config

import (
	"context"

	"github.com/edgestack/edgestack/pkg/confwatch"
)

// Watch reloads the server config on change; see confwatch.Watch.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	return confwatch.Watch(ctx, path, Load, onChange)
}

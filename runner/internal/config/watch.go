package config

import (
	"context"

	"github.com/edgestack/edgestack/pkg/confwatch"
)

// Watch calls onChange with the newly loaded Config each time the file at
// path settles after a change. It runs until ctx is cancelled. Invalid
// files are logged and skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	return confwatch.Watch(ctx, path, Load, onChange)
}

package jetstream

import (
	"context"

	"go.uber.org/zap"

	"github.com/skygent/skygent/internal/capability"
)

// StreamingClient is the production wiring of this package behind the
// capability.BskyClient boundary: it wraps the remote API client (whose
// concrete network body is out of scope) and serves GetJetstream from the
// reconnecting consumer here instead of the wrapped client's own
// implementation. Every other method passes through untouched.
type StreamingClient struct {
	capability.BskyClient
	log *zap.SugaredLogger
}

var _ capability.BskyClient = (*StreamingClient)(nil)

// WrapClient builds a StreamingClient over base.
func WrapClient(base capability.BskyClient, log *zap.SugaredLogger) *StreamingClient {
	return &StreamingClient{BskyClient: base, log: log}
}

// GetJetstream implements capability.BskyClient by delegating to a Client
// configured from opts, resuming at cursor.
func (c *StreamingClient) GetJetstream(ctx context.Context, opts capability.JetstreamOptions, cursor string) (<-chan capability.RawRecord, <-chan error) {
	return New(opts, c.log).Stream(ctx, cursor)
}

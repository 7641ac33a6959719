package connmgr

import (
	"context"

	"pkt.systems/scriptbridge/internal/evaltransport"
	"pkt.systems/scriptbridge/schema"
)

// WebSocketDialer adapts an evaltransport.Dialer to Dialer.
func WebSocketDialer(d evaltransport.Dialer) Dialer {
	return DialerFunc(func(ctx context.Context, endpoint schema.Endpoint) (Transport, error) {
		tr, err := d.Dial(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		return tr, nil
	})
}

package sender

import (
	"context"
	"errors"
	"fmt"
)

// Transport delivers a message to its destination.
// Send may block for as long as delivery takes; a nil error means the message was delivered, while any error causes it to be retried.
type Transport interface {
	Send(ctx context.Context, body []byte) error
}

// TransportFunc is a function that implements Transport.
type TransportFunc func(ctx context.Context, body []byte) error

// Send implements Transport.
func (fn TransportFunc) Send(ctx context.Context, body []byte) error {
	return fn(ctx, body)
}

var errSendFailed = errors.New("send failed")

// BoolTransport adapts a function that reports delivery with a boolean.
func BoolTransport(fn func(body []byte) bool) Transport {
	return TransportFunc(func(_ context.Context, body []byte) error {
		if !fn(body) {
			return errSendFailed
		}
		return nil
	})
}

func formatPanic(v any) string {
	switch x := v.(type) {
	case error:
		return x.Error()
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

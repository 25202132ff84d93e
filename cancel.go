package pgwire

import (
	"context"
	"crypto/tls"

	"github.com/arbendium/pgwire/internal/protocol"
	"github.com/arbendium/pgwire/internal/transport"
)

// sendCancelRequest opens a short-lived transport to host:port, sends the
// fixed-shape CancelRequest, and closes — it never waits for or expects a
// reply, per protocol convention (the server cancels and simply drops the
// connection).
func sendCancelRequest(ctx context.Context, host string, port int, sslMode transport.TLSMode, sslConfig *tls.Config, processID, secretKey uint32) error {
	t, err := transport.Connect(ctx, transport.Options{
		Host:      host,
		Port:      port,
		TLSMode:   sslMode,
		TLSConfig: sslConfig,
	})
	if err != nil {
		return &ConnectionError{Err: err}
	}
	defer t.Destroy()

	return t.Write(protocol.EncodeCancelRequest(processID, secretKey))
}

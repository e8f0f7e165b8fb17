package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker reports a peer reachable when its listener accepts a
// connection.
type TCPChecker struct {
	Address string
}

// NewTCPChecker creates a TCP checker for address.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address}
}

// Check dials the address. The deadline comes from ctx.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	_ = conn.Close()

	return Result{
		Healthy:   true,
		Message:   "reachable",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

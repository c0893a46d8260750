package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/fruitsalade/agavesync/internal/reply"
)

// classifyTransportError maps a failed round trip to a request state.
func classifyTransportError(err error) reply.State {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH):
		return reply.LostInternet
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, context.DeadlineExceeded):
		return reply.DroppedConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return reply.DroppedConnection
	}
	return reply.GenericNetworkError
}

// classifyStatus maps a non-2xx status that carried no usable envelope.
func classifyStatus(code int) reply.State {
	switch {
	case code == http.StatusServiceUnavailable:
		return reply.ServiceUnavailable
	case code == http.StatusNotFound:
		return reply.FileNotFound
	case code == http.StatusBadGateway, code == http.StatusGatewayTimeout:
		return reply.JobSystemDown
	case code >= 500:
		return reply.RemoteServerError
	case code >= 400:
		return reply.BadHTTPRequest
	}
	return reply.Unclassified
}

func success(code int) bool {
	return code >= 200 && code < 300
}

// Package transport builds the mcp.Transport values each backend connection
// is started with. HTTP and SSE backends are served by the SDK's own
// StreamableClientTransport and SSEClientTransport; only stdio needs a
// custom implementation, to tolerate a backend that prints a startup banner
// before its first JSON-RPC frame.
package transport

import (
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewHTTP returns an mcp.Transport speaking the MCP Streamable HTTP
// transport, decorating every outbound request with headers (most commonly
// bearer auth), the way stdio carries a backend's credentials through
// environment variables instead.
func NewHTTP(endpoint string, headers map[string]string) mcp.Transport {
	return &mcp.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: decoratedClient(headers),
	}
}

// NewSSE returns an mcp.Transport speaking the legacy HTTP+SSE transport,
// for backends that have not migrated to Streamable HTTP.
func NewSSE(endpoint string, headers map[string]string) mcp.Transport {
	return &mcp.SSEClientTransport{
		Endpoint:   endpoint,
		HTTPClient: decoratedClient(headers),
	}
}

// decoratedClient builds an HTTP/2-capable client with a fixed set of
// headers injected on every request.
func decoratedClient(headers map[string]string) *http.Client {
	base := &http.Transport{
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	_ = http2.ConfigureTransport(base)
	return &http.Client{Transport: &headerDecorator{next: base, headers: headers}}
}

// headerDecorator is an http.RoundTripper that injects a fixed set of
// headers on every outbound request without mutating the caller's original
// request.
type headerDecorator struct {
	next    http.RoundTripper
	headers map[string]string
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(d.headers) > 0 {
		cloned := req.Clone(req.Context())
		for k, v := range d.headers {
			cloned.Header.Set(k, v)
		}
		req = cloned
	}
	return d.next.RoundTrip(req)
}

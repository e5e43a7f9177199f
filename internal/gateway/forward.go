package gateway

import (
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/dray-io/drayproxy/internal/logging"
	"github.com/dray-io/drayproxy/internal/routing"
)

const resourcePrefix = "/r/"

// handleResource serves /r/{resource}/{rest...}: the resource comes from the
// first segment and the backend sees only the rest of the path.
func (g *Gateway) handleResource(w http.ResponseWriter, r *http.Request) {
	resource, rawRest, err := splitResourcePath(r.URL.EscapedPath())
	if err != nil {
		g.writeError(w, r, err, 0)
		return
	}
	rest, err := url.PathUnescape(rawRest)
	if err != nil {
		g.writeError(w, r, routing.ErrInvalidResource, 0)
		return
	}

	out := g.outbound(r)
	out.URL.Path = rest
	out.URL.RawPath = rawRest
	g.forward(w, r, resource, func() (*http.Response, error) {
		return g.backend.ProxyResource(resource)(r.Context(), out)
	})
}

// handlePath proxies any other request with its path as the resource.
func (g *Gateway) handlePath(w http.ResponseWriter, r *http.Request) {
	out := g.outbound(r)
	g.forward(w, r, r.URL.Path, func() (*http.Response, error) {
		return g.backend.ProxyRequest(r.Context(), out, "")
	})
}

// splitResourcePath splits an escaped /r/{resource}/{rest} path.
func splitResourcePath(escaped string) (resource, rawRest string, err error) {
	tail, ok := strings.CutPrefix(escaped, resourcePrefix)
	if !ok {
		return "", "", routing.ErrInvalidResource
	}
	seg, rest, _ := strings.Cut(tail, "/")
	resource, err = url.PathUnescape(seg)
	if err != nil || resource == "" {
		return "", "", routing.ErrInvalidResource
	}
	return resource, "/" + rest, nil
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, resource string, send func() (*http.Response, error)) {
	if !g.allow(resource) {
		if g.metrics != nil {
			g.metrics.RecordRateLimited()
		}
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	resp, err := send()
	if err != nil {
		g.writeError(w, r, err, g.retryAfter())
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.FromCtx(r.Context(), g.logger).Debugf("closing backend body", map[string]any{"error": err.Error()})
		}
	}()

	dropHopByHop(resp.Header)
	copyHeaders(w.Header(), resp.Header)

	if len(resp.Trailer) > 0 {
		trailerKeys := make([]string, 0, len(resp.Trailer))
		for k := range resp.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		w.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	w.WriteHeader(resp.StatusCode)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.FromCtx(r.Context(), g.logger).Warnf("copying backend body", map[string]any{
			"resource": resource,
			"error":    err.Error(),
		})
	}

	for k, vv := range resp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
}

func (g *Gateway) allow(resource string) bool {
	if g.limiter == nil {
		return true
	}
	cfg := g.backend.Config()
	if cfg == nil {
		return true
	}
	return g.limiter.Allow(resource, cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
}

// retryAfter is the Retry-After hint, in seconds, for exhausted dispatches.
func (g *Gateway) retryAfter() int {
	cfg := g.backend.Config()
	if cfg == nil {
		return 1
	}
	secs := int((cfg.RequestBackoffDuration().Milliseconds() + 999) / 1000)
	return max(secs, 1)
}

// outbound copies r with hop-by-hop headers removed and forwarding headers
// added. The body is shared with r.
func (g *Gateway) outbound(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	hdr := cloneHeader(r.Header)
	dropHopByHop(hdr)
	addXFF(hdr, r.RemoteAddr)
	setXFProto(hdr, r)
	hdr.Set("X-Forwarded-Host", r.Host)
	hdr.Set(RequestIDHeader, logging.RequestID(r.Context()))
	out.Header = hdr
	return out
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vv := range h {
		cc := make([]string, len(vv))
		copy(cc, vv)
		out[k] = cc
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func dropHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			if k = textproto.TrimString(k); k != "" {
				h.Del(k)
			}
		}
	}
	for k := range hopByHop {
		if k == "Te" && h.Get("Te") == "trailers" {
			continue
		}
		h.Del(k)
	}
}

func addXFF(h http.Header, remoteAddr string) {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || ip == "" {
		return
	}
	const key = "X-Forwarded-For"
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+ip)
	} else {
		h.Set(key, ip)
	}
}

func setXFProto(h http.Header, r *http.Request) {
	if r.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
}

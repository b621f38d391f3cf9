package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coriolis-h2/h2core/internal/h2/hpack"
)

var connectionSpecificHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// ValidateRequestHeaders checks a decoded header list against RFC 7540
// Section 8.1.2's structural rules and, if it passes, returns the
// assembled Request. Pseudo-headers must precede regular headers; exactly
// one each of :method, :scheme, :path must be present (:authority is
// optional); no connection-specific header may appear; te, if present,
// must equal "trailers"; every field name must already be lowercase (the
// HPACK decoder does not lowercase for callers).
func ValidateRequestHeaders(headers []hpack.HeaderField) (*Request, error) {
	req := &Request{}
	seenPseudo := make(map[string]bool)
	seenRegular := false

	for _, h := range headers {
		name, value := h[0], h[1]

		if name != strings.ToLower(name) {
			return nil, fmt.Errorf("header field name must be lowercase: %s", name)
		}

		if strings.HasPrefix(name, ":") {
			if seenRegular {
				return nil, fmt.Errorf("pseudo-header %s appears after a regular header", name)
			}
			if seenPseudo[name] {
				return nil, fmt.Errorf("duplicate pseudo-header: %s", name)
			}
			seenPseudo[name] = true

			switch name {
			case ":method":
				req.Method = value
			case ":scheme":
				req.Scheme = value
			case ":path":
				if value == "" {
					return nil, fmt.Errorf("empty :path pseudo-header")
				}
				req.Path = value
			case ":authority":
				req.Authority = value
			default:
				return nil, fmt.Errorf("unknown pseudo-header: %s", name)
			}
			continue
		}

		seenRegular = true
		if connectionSpecificHeaders[name] {
			return nil, fmt.Errorf("connection-specific header not allowed: %s", name)
		}
		if name == "te" && value != "trailers" {
			return nil, fmt.Errorf("te header must be %q, got %q", "trailers", value)
		}
		req.Headers = append(req.Headers, h)
	}

	if !seenPseudo[":method"] {
		return nil, fmt.Errorf("missing required :method pseudo-header")
	}
	if !seenPseudo[":scheme"] {
		return nil, fmt.Errorf("missing required :scheme pseudo-header")
	}
	if !seenPseudo[":path"] {
		return nil, fmt.Errorf("missing required :path pseudo-header")
	}

	return req, nil
}

// ValidateTrailerHeaders checks a decoded header list intended as trailers:
// no pseudo-headers are allowed at all, and the same connection-specific
// / te restrictions apply as for request headers.
func ValidateTrailerHeaders(headers []hpack.HeaderField) error {
	for _, h := range headers {
		name, value := h[0], h[1]

		if name != strings.ToLower(name) {
			return fmt.Errorf("header field name must be lowercase: %s", name)
		}
		if strings.HasPrefix(name, ":") {
			return fmt.Errorf("pseudo-header not allowed in trailers: %s", name)
		}
		if connectionSpecificHeaders[name] {
			return fmt.Errorf("connection-specific header not allowed in trailers: %s", name)
		}
		if name == "te" && value != "trailers" {
			return fmt.Errorf("te header must be %q, got %q", "trailers", value)
		}
	}
	return nil
}

// ContentLength parses a request's content-length header, if present. ok
// is false if the header was absent; err is non-nil if it was present but
// not a valid non-negative integer.
func ContentLength(headers []hpack.HeaderField) (n int64, ok bool, err error) {
	for _, h := range headers {
		if h[0] != "content-length" {
			continue
		}
		v, perr := strconv.ParseInt(h[1], 10, 64)
		if perr != nil || v < 0 {
			return 0, true, fmt.Errorf("invalid content-length value: %q", h[1])
		}
		return v, true, nil
	}
	return 0, false, nil
}

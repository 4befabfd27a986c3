package wsfetch

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	responsesSuffix   = "/responses"
	createMessageType = "response.create"
)

// FallbackReason explains why a request was left to the base transport
type FallbackReason int

const (
	FallbackNone FallbackReason = iota
	FallbackMethod
	FallbackPath
	FallbackMalformedBody
	FallbackNoStreamIntent
)

func (r FallbackReason) String() string {
	switch r {
	case FallbackNone:
		return "none"
	case FallbackMethod:
		return "method"
	case FallbackPath:
		return "path"
	case FallbackMalformedBody:
		return "malformed_body"
	case FallbackNoStreamIntent:
		return "no_stream_intent"
	default:
		return fmt.Sprintf("FallbackReason(%d)", int(r))
	}
}

// Decision is the outcome of inspecting a request
type Decision struct {
	Intercept bool
	Reason    FallbackReason
}

func fallback(reason FallbackReason) Decision {
	return Decision{Reason: reason}
}

// matchRoute checks the parts of a request that can be judged without its body
func matchRoute(method string, u *url.URL) FallbackReason {
	if method != http.MethodPost {
		return FallbackMethod
	}
	if u == nil || !strings.HasSuffix(u.Path, responsesSuffix) {
		return FallbackPath
	}
	return FallbackNone
}

// Decide reports whether a request should be carried over the socket.
// Interception requires a POST, a path ending in "/responses" and a JSON
// object body whose "stream" member is truthy.
func Decide(method string, u *url.URL, body []byte) Decision {
	if reason := matchRoute(method, u); reason != FallbackNone {
		return fallback(reason)
	}

	if len(body) == 0 || !gjson.ValidBytes(body) {
		return fallback(FallbackMalformedBody)
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return fallback(FallbackMalformedBody)
	}

	if !truthy(lastMember(parsed, "stream")) {
		return fallback(FallbackNoStreamIntent)
	}

	return Decision{Intercept: true}
}

// lastMember returns the final occurrence of key in obj, so a body with a
// repeated member is judged the way JSON decoders that keep the last value
// read it
func lastMember(obj gjson.Result, key string) gjson.Result {
	var last gjson.Result
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.Str == key {
			last = v
		}
		return true
	})
	return last
}

// truthy applies loose truthiness: false, null, 0, NaN, "" and a missing
// member are false, everything else is true
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.Number:
		f := v.Float()
		return f != 0 && !math.IsNaN(f)
	case gjson.String:
		return v.Str != ""
	default:
		return false
	}
}

// buildCreateMessage turns a request body into the outbound socket message.
// Every stream member is removed and "type" defaults to "response.create"; a
// type already present in the body is kept.
func buildCreateMessage(body []byte) ([]byte, error) {
	out := body
	for gjson.GetBytes(out, "stream").Exists() {
		stripped, err := sjson.DeleteBytes(out, "stream")
		if err != nil {
			return nil, fmt.Errorf("failed to strip stream flag: %w", err)
		}
		if len(stripped) == len(out) {
			return nil, errors.New("failed to strip stream flag")
		}
		out = stripped
	}

	if gjson.GetBytes(out, "type").Exists() {
		return out, nil
	}

	out, err := sjson.SetBytes(out, "type", createMessageType)
	if err != nil {
		return nil, fmt.Errorf("failed to set message type: %w", err)
	}
	return out, nil
}

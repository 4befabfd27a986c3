package wsfetch

import (
	"fmt"
	"net/http"
	"strings"
)

// HeaderPair is one name/value entry of an ordered header list
type HeaderPair struct {
	Name  string
	Value string
}

// NormalizeHeaders flattens any of the supported header shapes into a map
// keyed by lower-cased header name.
//
// Supported shapes are http.Header and map[string][]string (multiple values
// joined with ", "), [][2]string and []HeaderPair (later entries win),
// map[string]string, map[string]*string and map[string]any (nil values are
// dropped). Anything else, including nil, yields an empty map.
func NormalizeHeaders(headers any) map[string]string {
	result := make(map[string]string)

	switch h := headers.(type) {
	case http.Header:
		joinValues(result, h)
	case map[string][]string:
		joinValues(result, h)
	case [][2]string:
		for _, pair := range h {
			result[strings.ToLower(pair[0])] = pair[1]
		}
	case []HeaderPair:
		for _, pair := range h {
			result[strings.ToLower(pair.Name)] = pair.Value
		}
	case map[string]string:
		for k, v := range h {
			result[strings.ToLower(k)] = v
		}
	case map[string]*string:
		for k, v := range h {
			if v != nil {
				result[strings.ToLower(k)] = *v
			}
		}
	case map[string]any:
		for k, v := range h {
			switch val := v.(type) {
			case nil:
			case string:
				result[strings.ToLower(k)] = val
			case *string:
				if val != nil {
					result[strings.ToLower(k)] = *val
				}
			default:
				result[strings.ToLower(k)] = fmt.Sprint(val)
			}
		}
	}

	return result
}

func joinValues(dst map[string]string, src map[string][]string) {
	for k, values := range src {
		if len(values) == 0 {
			continue
		}
		dst[strings.ToLower(k)] = strings.Join(values, ", ")
	}
}

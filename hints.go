package kueri

import (
	"context"
	"encoding/json"
)

// Response fields read as invalidation hints.
const (
	HintTrigger = "triggerInvalidation"
	HintTarget  = "invalidationTarget"
	HintTags    = "invalidationTags"
)

// HintsFrom extracts invalidation requests from a response payload.
//
//   - triggerInvalidation: false disables every hint of the payload; a string
//     or list of strings names tags to invalidate.
//   - invalidationTarget: a string is a one segment key prefix, a list of
//     primitives is one multi segment prefix, a list of lists is several.
//   - invalidationTags: a tag or list of tags.
//
// Payloads that are not JSON objects are decoded through encoding/json first,
// so structs with matching json tags work too.
func HintsFrom(data any) []InvalidationRequest {
	fields := objectOf(data)
	if fields == nil {
		return nil
	}

	var reqs []InvalidationRequest
	if trigger, ok := fields[HintTrigger]; ok {
		switch v := trigger.(type) {
		case bool:
			if !v {
				return nil
			}
		case nil:
			return nil
		default:
			for _, tag := range stringsOf(v) {
				reqs = append(reqs, Tag(tag))
			}
		}
	}

	if target, ok := fields[HintTarget]; ok {
		for _, prefix := range prefixesOf(target) {
			reqs = append(reqs, KeyPrefix(prefix))
		}
	}

	if tags, ok := fields[HintTags]; ok {
		for _, tag := range stringsOf(tags) {
			reqs = append(reqs, Tag(tag))
		}
	}
	return reqs
}

// HasInvalidationHints reports whether data asks for invalidation.
func HasInvalidationHints(data any) bool {
	return len(HintsFrom(data)) > 0
}

// InvalidationHintInterceptor returns a response interceptor that applies
// the invalidation hints of every response to client.
func InvalidationHintInterceptor(client *Client) ResponseInterceptor {
	return func(ctx context.Context, resp *Response) (*Response, error) {
		if reqs := HintsFrom(resp.Data); len(reqs) > 0 {
			keys := client.Invalidate(reqs...)
			if resp.Request != nil && resp.Request.Meta != nil {
				resp.Request.Meta["invalidated"] = keys
			}
		}
		return resp, nil
	}
}

func objectOf(data any) map[string]any {
	switch v := data.(type) {
	case nil:
		return nil
	case map[string]any:
		return v
	case *Response:
		if v == nil {
			return nil
		}
		return objectOf(v.Data)
	case []byte:
		var out map[string]any
		if json.Unmarshal(v, &out) != nil {
			return nil
		}
		return out
	case json.RawMessage:
		return objectOf([]byte(v))
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var out map[string]any
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

func stringsOf(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func prefixesOf(v any) []CacheKey {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []CacheKey{Key(t)}
	case []string:
		key := make(CacheKey, len(t))
		for i, s := range t {
			key[i] = s
		}
		return validPrefixes(key)
	case CacheKey:
		return validPrefixes(t)
	case []any:
		if len(t) == 0 {
			return nil
		}
		if _, nested := t[0].([]any); nested {
			var out []CacheKey
			for _, item := range t {
				out = append(out, prefixesOf(item)...)
			}
			return out
		}
		return validPrefixes(CacheKey(t))
	default:
		return nil
	}
}

func validPrefixes(key CacheKey) []CacheKey {
	if key.Validate() != nil {
		return nil
	}
	return []CacheKey{key}
}

package kueri

import (
	"context"
	"encoding/json"
	"fmt"
)

// DecodeData converts cached data to T. Values already of type T (or *T)
// are returned as is; anything else, such as the maps produced by JSON
// decoding or hydration, is converted through encoding/json.
func DecodeData[T any](data any) (T, error) {
	var out T
	switch v := data.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
		return out, nil
	case nil:
		return out, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return out, newError(ErrorTypeValidation, fmt.Sprintf("cannot encode %T", data), err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, newError(ErrorTypeValidation, fmt.Sprintf("cannot decode %T into %T", data, out), err)
	}
	return out, nil
}

// QueryAs runs Client.Query and converts the data to T.
func QueryAs[T any](ctx context.Context, c *Client, key CacheKey, fn QueryFunc, opts ...QueryOption) (T, QueryResult, error) {
	res, err := c.Query(ctx, key, fn, opts...)
	if err != nil {
		var zero T
		return zero, res, err
	}
	out, err := DecodeData[T](res.Data)
	return out, res, err
}

// FetchQueryAs runs Client.FetchQuery and converts the data to T.
func FetchQueryAs[T any](ctx context.Context, c *Client, key CacheKey, fn QueryFunc, opts ...QueryOption) (T, error) {
	res, err := c.FetchQuery(ctx, key, fn, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return DecodeData[T](res.Data)
}

// GetJSON performs a GET and decodes the body into T, validating it with
// the client's validator.
func GetJSON[T any](ctx context.Context, c *Client, url string) (T, error) {
	var out T
	resp, err := c.Fetch(ctx, &Request{URL: url, Result: &out})
	if err != nil {
		return out, err
	}
	if v, ok := resp.Data.(*T); ok && v != nil {
		return *v, nil
	}
	return DecodeData[T](resp.Data)
}

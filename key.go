package kueri

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CacheKey identifies a cached resource by an ordered list of primitive
// segments (strings, booleans and numbers). Two keys are equal when their
// segments are equal in order; numbers compare by value, so a key survives a
// JSON round trip unchanged.
type CacheKey []any

// Key builds a CacheKey from its segments.
func Key(segments ...any) CacheKey {
	return CacheKey(segments)
}

// Validate reports whether every segment is a supported primitive.
func (k CacheKey) Validate() error {
	if len(k) == 0 {
		return fmt.Errorf("%w: key has no segments", ErrInvalidKey)
	}
	for i, seg := range k {
		switch v := seg.(type) {
		case string, bool, json.Number,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64:
		case float32:
			if !finite(float64(v)) {
				return fmt.Errorf("%w: segment %d is not a finite number", ErrInvalidKey, i)
			}
		case float64:
			if !finite(v) {
				return fmt.Errorf("%w: segment %d is not a finite number", ErrInvalidKey, i)
			}
		default:
			return fmt.Errorf("%w: segment %d has unsupported type %T", ErrInvalidKey, i, seg)
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Hash returns the canonical string form of the key, used as the identity
// inside the Store.
func (k CacheKey) Hash() string {
	data, err := json.Marshal([]any(k))
	if err != nil {
		// Unsupported segments still get a stable, if less precise, identity.
		return fmt.Sprintf("%#v", []any(k))
	}
	return string(data)
}

// String implements fmt.Stringer.
func (k CacheKey) String() string {
	return k.Hash()
}

// Equal reports whether both keys identify the same resource.
func (k CacheKey) Equal(other CacheKey) bool {
	if len(k) != len(other) {
		return false
	}
	return k.Hash() == other.Hash()
}

// HasPrefix reports whether the leading segments of k equal prefix.
func (k CacheKey) HasPrefix(prefix CacheKey) bool {
	if len(prefix) > len(k) {
		return false
	}
	return k[:len(prefix)].Hash() == prefix.Hash()
}

// Clone returns a copy that does not share the backing array.
func (k CacheKey) Clone() CacheKey {
	if k == nil {
		return nil
	}
	out := make(CacheKey, len(k))
	copy(out, k)
	return out
}

// UnmarshalJSON decodes a JSON array, keeping integers as int64 so large ids
// are not rounded through float64.
func (k *CacheKey) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	out := make(CacheKey, len(raw))
	for i, seg := range raw {
		num, ok := seg.(json.Number)
		if !ok {
			out[i] = seg
			continue
		}
		if n, err := num.Int64(); err == nil && !strings.ContainsAny(num.String(), ".eE") {
			out[i] = n
			continue
		}
		f, err := strconv.ParseFloat(num.String(), 64)
		if err != nil {
			return fmt.Errorf("%w: segment %d: %v", ErrInvalidKey, i, err)
		}
		out[i] = f
	}
	*k = out
	return nil
}

package signing

import (
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// HashContractTerms canonicalizes a contract-terms document and hashes
// it with SHA-512. The hash is stable across serializations: object keys
// are sorted, whitespace is dropped, and strings use minimal escaping.
func HashContractTerms(terms json.RawMessage) (Hash, error) {
	var doc interface{}
	dec := json.NewDecoder(strings.NewReader(string(terms)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Hash{}, fmt.Errorf("signing: parse contract terms: %w", err)
	}

	var b strings.Builder
	if err := writeCanonical(&b, doc); err != nil {
		return Hash{}, err
	}
	return sha512.Sum512([]byte(b.String())), nil
}

func writeCanonical(b *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case json.Number:
		b.WriteString(canonicalNumber(val))
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(encoded)
	case []interface{}:
		b.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, elem); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			encoded, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(encoded)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("signing: cannot canonicalize %T", v)
	}
	return nil
}

// canonicalNumber renders integers without exponent or fraction and
// floats in shortest form, so "10", "10.0" and "1e1" hash identically.
func canonicalNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := n.Float64()
	if err != nil {
		return n.String()
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 0, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Package canonical implements the byte-deterministic JSON encoding every
// artifact hash is computed over: lexicographically sorted keys, minimal
// separators, NFC-normalized strings, floats quantized to 12 decimal places.
// Two runs encoding the same value must produce identical bytes.
package canonical

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// FloatDecimals is the quantization applied to every float before encoding.
const FloatDecimals = 12

// Encode renders v as canonical JSON bytes. v may be any JSON-shaped Go
// value: maps, slices, structs with json tags, strings, numbers, booleans,
// nil. NaN and infinities are rejected.
func Encode(v any) ([]byte, error) {
	plain, err := toPlain(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, plain); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for values known to be encodable (tests, literals).
// It panics on error.
func MustEncode(v any) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Quantize rounds f to FloatDecimals decimal places. Manifest floats and
// portfolio weights pass through this before hashing.
func Quantize(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	const shift = 1e12
	scaled := f * shift
	if math.IsInf(scaled, 0) {
		// magnitudes this large carry no sub-integer precision to round
		return f
	}
	q := math.Round(scaled) / shift
	if q == 0 {
		return 0 // normalize -0
	}
	return q
}

// toPlain reduces v to the interface{} shapes writeValue understands. The
// walk is reflective rather than a json.Marshal round trip so that float
// kinds survive into writeFloat: an integral float64 must still render with
// a fraction (1.0, not 1). json struct tags (name, "-", omitempty) are
// honored; types with their own MarshalJSON fall back to the round trip.
func toPlain(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, json.Number,
		float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v, nil
	}
	return plainValue(reflect.ValueOf(v))
}

func plainValue(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}
	if rv.Type() == jsonNumberType {
		return json.Number(rv.String()), nil
	}
	if rv.Type().Implements(jsonMarshalerType) ||
		(rv.CanAddr() && reflect.PointerTo(rv.Type()).Implements(jsonMarshalerType)) {
		return plainViaMarshaler(rv)
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return plainValue(rv.Elem())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return base64.StdEncoding.EncodeToString(rv.Bytes()), nil
		}
		if rv.IsNil() {
			return nil, nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			el, err := plainValue(rv.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = el
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("canonical encode: unsupported map key type %s", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			val, err := plainValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = val
		}
		return out, nil
	case reflect.Struct:
		out := make(map[string]any)
		if err := plainStructInto(out, rv); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("canonical encode: unsupported type %s", rv.Type())
	}
}

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	jsonNumberType    = reflect.TypeOf(json.Number(""))
)

// plainViaMarshaler round-trips a self-marshaling value through
// encoding/json with UseNumber, keeping its literal number text.
func plainViaMarshaler(rv reflect.Value) (any, error) {
	raw, err := json.Marshal(rv.Interface())
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var plain any
	if err := dec.Decode(&plain); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return plain, nil
}

// plainStructInto flattens rv's exported fields into out, honoring json
// tags. Anonymous embedded structs without a tag are promoted.
func plainStructInto(out map[string]any, rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)
		if f.Anonymous && name == "" {
			ev := fv
			for ev.Kind() == reflect.Pointer {
				if ev.IsNil() {
					ev = reflect.Value{}
					break
				}
				ev = ev.Elem()
			}
			if ev.IsValid() && ev.Kind() == reflect.Struct {
				if err := plainStructInto(out, ev); err != nil {
					return err
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if hasOption(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		val, err := plainValue(fv)
		if err != nil {
			return err
		}
		out[name] = val
	}
	return nil
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var o string
		o, opts, _ = strings.Cut(opts, ",")
		if o == want {
			return true
		}
	}
	return false
}

func isEmptyValue(rv reflect.Value) bool {
	switch rv.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return rv.Len() == 0
	case reflect.Bool:
		return !rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return rv.IsNil()
	}
	return false
}

func writeValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, t)
	case json.Number:
		return writeNumberLiteral(buf, t.String())
	case float64:
		return writeFloat(buf, t)
	case float32:
		return writeFloat(buf, float64(t))
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, norm.NFC.String(k))
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, k)
			buf.WriteByte(':')
			val, ok := t[k]
			if !ok {
				// key text changed under NFC; find the original
				for ok2 := range t {
					if norm.NFC.String(ok2) == k {
						val = t[ok2]
						break
					}
				}
			}
			if err := writeValue(buf, val); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical encode: unsupported type %T", v)
	}
	return nil
}

// writeNumberLiteral emits a json.Number: integers pass through verbatim,
// anything with a fraction or exponent goes through float quantization.
func writeNumberLiteral(buf *bytes.Buffer, s string) error {
	if !strings.ContainsAny(s, ".eE") {
		if s == "-0" {
			s = "0"
		}
		buf.WriteString(s)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("canonical encode: bad number %q: %w", s, err)
	}
	return writeFloat(buf, f)
}

func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical encode: non-finite float %v", f)
	}
	q := Quantize(f)
	if q == math.Trunc(q) && math.Abs(q) < 1e15 {
		// integral floats render without a fraction or exponent
		buf.WriteString(strconv.FormatInt(int64(q), 10))
		buf.WriteString(".0")
		return nil
	}
	buf.WriteString(strconv.FormatFloat(q, 'f', -1, 64))
	return nil
}

// writeString emits an NFC-normalized JSON string with the minimal escape
// set: quote, backslash, and control characters. Non-ASCII runes pass
// through verbatim.
func writeString(buf *bytes.Buffer, s string) {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else if r == utf8.RuneError {
				buf.WriteString(string(utf8.RuneError))
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

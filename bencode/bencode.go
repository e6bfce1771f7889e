package bencode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Bencoded data is one of four kinds:
//   - integer (i42e)
//   - byte string (3:foo)
//   - list (l...e)
//   - dictionary (d...e) with byte-string keys in ascending order
type Kind int

const (
	Integer Kind = iota
	String
	List
	Dict
)

// Returned (wrapped) for any input the grammar rejects.
var ErrMalformed = errors.New("malformed bencode")

// Containers deeper than this are rejected so a hostile torrent or
// tracker response cannot exhaust the stack.
const maxDepth = 64

// A decoded bencode value. Exactly one of the payload fields is
// meaningful, selected by Kind. Dictionary keys are kept in the order
// they were decoded so a canonical document re-encodes byte-for-byte.
type Value struct {
	Kind Kind
	Int  int64
	Str  []byte
	List []*Value
	Keys []string
	Dict map[string]*Value
}

func NewInteger(i int64) *Value   { return &Value{Kind: Integer, Int: i} }
func NewString(s []byte) *Value   { return &Value{Kind: String, Str: s} }
func NewList(vs ...*Value) *Value { return &Value{Kind: List, List: vs} }

func NewDict() *Value {
	return &Value{Kind: Dict, Dict: map[string]*Value{}}
}

// Set adds or replaces a dictionary entry, preserving first-insertion order.
func (v *Value) Set(key string, val *Value) {
	if _, ok := v.Dict[key]; !ok {
		v.Keys = append(v.Keys, key)
	}
	v.Dict[key] = val
}

// Lookup returns the dictionary entry for key, if present.
func (v *Value) Lookup(key string) (*Value, bool) {
	if v.Kind != Dict {
		return nil, false
	}
	val, ok := v.Dict[key]
	return val, ok
}

func Decode(r io.Reader) (*Value, error) {
	br := bufio.NewReader(r)
	v, err := decodeValue(br, 0)
	if err != nil {
		return nil, err
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after document", ErrMalformed)
	}
	return v, nil
}

func DecodeBytes(data []byte) (*Value, error) {
	return Decode(bytes.NewReader(data))
}

func decodeValue(r *bufio.Reader, depth int) (*Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrMalformed, maxDepth)
	}

	b, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated input", ErrMalformed)
	}

	switch {
	case b == 'i':
		return decodeInteger(r)
	case b == 'l':
		list := &Value{Kind: List}
		for {
			next, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("%w: unterminated list", ErrMalformed)
			}
			if next == 'e' {
				return list, nil
			}
			r.UnreadByte()
			item, err := decodeValue(r, depth+1)
			if err != nil {
				return nil, err
			}
			list.List = append(list.List, item)
		}
	case b == 'd':
		dict := NewDict()
		prevKey := ""
		for {
			next, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("%w: unterminated dictionary", ErrMalformed)
			}
			if next == 'e' {
				return dict, nil
			}
			r.UnreadByte()
			key, err := decodeValue(r, depth+1)
			if err != nil {
				return nil, err
			}
			if key.Kind != String {
				return nil, fmt.Errorf("%w: dictionary key is not a byte string", ErrMalformed)
			}
			val, err := decodeValue(r, depth+1)
			if err != nil {
				return nil, err
			}
			k := string(key.Str)
			if len(dict.Keys) > 0 && k <= prevKey {
				return nil, fmt.Errorf("%w: dictionary keys out of order (%q after %q)", ErrMalformed, k, prevKey)
			}
			prevKey = k
			dict.Set(k, val)
		}
	case b >= '0' && b <= '9':
		r.UnreadByte()
		return decodeString(r)
	default:
		return nil, fmt.Errorf("%w: unexpected byte %q", ErrMalformed, b)
	}
}

func decodeInteger(r *bufio.Reader) (*Value, error) {
	digits, err := r.ReadBytes('e')
	if err != nil {
		return nil, fmt.Errorf("%w: unterminated integer", ErrMalformed)
	}
	i, err := strconv.ParseInt(string(digits[:len(digits)-1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad integer %q", ErrMalformed, digits[:len(digits)-1])
	}
	return NewInteger(i), nil
}

func decodeString(r *bufio.Reader) (*Value, error) {
	prefix, err := r.ReadBytes(':')
	if err != nil {
		return nil, fmt.Errorf("%w: string without length separator", ErrMalformed)
	}
	length, err := strconv.ParseInt(string(prefix[:len(prefix)-1]), 10, 64)
	if err != nil || length < 0 {
		return nil, fmt.Errorf("%w: bad string length %q", ErrMalformed, prefix[:len(prefix)-1])
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: string shorter than its length prefix", ErrMalformed)
	}
	return NewString(buf), nil
}

// Encode writes the canonical form of v: dictionary keys are emitted in
// ascending order regardless of insertion order, so encoding the info
// dictionary always yields the bytes the info hash is computed over.
func Encode(w io.Writer, v *Value) error {
	switch v.Kind {
	case Integer:
		_, err := fmt.Fprintf(w, "i%de", v.Int)
		return err
	case String:
		if _, err := fmt.Fprintf(w, "%d:", len(v.Str)); err != nil {
			return err
		}
		_, err := w.Write(v.Str)
		return err
	case List:
		if _, err := w.Write([]byte{'l'}); err != nil {
			return err
		}
		for _, item := range v.List {
			if err := Encode(w, item); err != nil {
				return err
			}
		}
		_, err := w.Write([]byte{'e'})
		return err
	case Dict:
		if _, err := w.Write([]byte{'d'}); err != nil {
			return err
		}
		keys := make([]string, len(v.Keys))
		copy(keys, v.Keys)
		sort.Strings(keys)
		for _, k := range keys {
			if err := Encode(w, NewString([]byte(k))); err != nil {
				return err
			}
			if err := Encode(w, v.Dict[k]); err != nil {
				return err
			}
		}
		_, err := w.Write([]byte{'e'})
		return err
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformed, v.Kind)
	}
}

func EncodeBytes(v *Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

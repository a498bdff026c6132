package scanner

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
)

// errJSONDepth is returned once nesting exceeds the configured limit
var errJSONDepth = errors.New("json nesting depth exceeded")

// jsonKeyError carries the offending key for prototype-pollution shapes
type jsonKeyError struct {
	rule string
	path string
}

func (e *jsonKeyError) Error() string {
	return e.rule + " at " + e.path
}

type jsonFrame struct {
	object    bool
	expectKey bool
	key       string // most recent key read in this object
	path      string
	index     int
}

func (f *jsonFrame) childPath() string {
	if f.object {
		if f.path == "" {
			return f.key
		}
		return f.path + "." + f.key
	}
	return f.path + "[" + strconv.Itoa(f.index) + "]"
}

// walkJSON streams body token by token. Depth and key checks fire before
// the rest of the document is read, so a pathological body never builds a
// deep tree. Object keys and string leaves are passed to visit with their
// dotted path; keys are reported with a "#key" suffix.
func walkJSON(body []byte, maxDepth int, visit func(path, value string)) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var stack []jsonFrame
	top := func() *jsonFrame {
		if len(stack) == 0 {
			return nil
		}
		return &stack[len(stack)-1]
	}
	valueDone := func() {
		if t := top(); t != nil {
			if t.object {
				t.expectKey = true
			} else {
				t.index++
			}
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if len(stack) != 0 {
				return io.ErrUnexpectedEOF
			}
			return nil
		}
		if err != nil {
			return err
		}

		switch v := tok.(type) {
		case json.Delim:
			switch v {
			case '{', '[':
				if len(stack) >= maxDepth {
					return errJSONDepth
				}
				path := ""
				if t := top(); t != nil {
					path = t.childPath()
				}
				stack = append(stack, jsonFrame{object: v == '{', expectKey: v == '{', path: path})
			case '}', ']':
				stack = stack[:len(stack)-1]
				valueDone()
			}

		case string:
			if t := top(); t != nil && t.object && t.expectKey {
				if err := checkKey(stack, v); err != nil {
					return err
				}
				t.key = v
				t.expectKey = false
				visit(t.childPath()+"#key", v)
				continue
			}
			path := ""
			if t := top(); t != nil {
				path = t.childPath()
			}
			visit(path, v)
			valueDone()

		default:
			// numbers, booleans and null carry no injectable text
			valueDone()
		}
	}
}

// checkKey rejects prototype-pollution keys. The frame below the top holds
// the key that introduced the current object.
func checkKey(stack []jsonFrame, key string) error {
	cur := stack[len(stack)-1]
	if key == "prototype" && len(stack) >= 2 {
		parent := stack[len(stack)-2]
		if parent.object && parent.key == "constructor" {
			return &jsonKeyError{rule: "json_constructor_prototype", path: cur.path}
		}
	}
	if dangerousKeys[key] {
		return &jsonKeyError{rule: "json_proto_key", path: cur.path}
	}
	return nil
}

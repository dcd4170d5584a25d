// Package jsonextract pulls a JSON value out of loosely formatted model
// output: fenced code blocks, leading prose, trailing commentary.
package jsonextract

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

var ErrNoJSON = errors.New("no JSON value found")

// Object returns the first syntactically valid JSON object in text.
func Object(text string) (string, bool) {
	return find(text, '{', '}')
}

// Array returns the first syntactically valid JSON array in text.
func Array(text string) (string, bool) {
	return find(text, '[', ']')
}

// Decode extracts the first JSON object or array (whichever starts first)
// and unmarshals it into v.
func Decode(text string, v any) error {
	obj, okObj := Object(text)
	arr, okArr := Array(text)
	var raw string
	switch {
	case okObj && okArr:
		if strings.Index(text, arr) < strings.Index(text, obj) {
			raw = arr
		} else {
			raw = obj
		}
	case okObj:
		raw = obj
	case okArr:
		raw = arr
	default:
		return ErrNoJSON
	}
	return json.Unmarshal([]byte(raw), v)
}

// Get extracts the first JSON object and evaluates a gjson path against it.
func Get(text, path string) gjson.Result {
	obj, ok := Object(text)
	if !ok {
		return gjson.Result{}
	}
	return gjson.Get(obj, path)
}

func find(text string, open, close byte) (string, bool) {
	text = stripFences(text)
	for start := strings.IndexByte(text, open); start >= 0; {
		if end := matchClose(text, start, open, close); end > start {
			candidate := text[start : end+1]
			if gjson.Valid(candidate) {
				return candidate, true
			}
		}
		next := strings.IndexByte(text[start+1:], open)
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchClose returns the index of the bracket closing text[start], skipping
// brackets inside string literals, or -1.
func matchClose(text string, start int, open, close byte) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func stripFences(text string) string {
	i := strings.Index(text, "```")
	if i < 0 {
		return text
	}
	rest := text[i+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if j := strings.Index(rest, "```"); j >= 0 {
		return rest[:j]
	}
	return rest
}

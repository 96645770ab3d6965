package migrate

import (
	"fmt"
	"strconv"
)

// Document is a decoded JSON object.
type Document = map[string]interface{}

// object walks path and returns the object found there, or nil.
func object(doc Document, path ...string) Document {
	cur := doc
	for _, key := range path {
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// ensureObject walks path creating missing objects.
func ensureObject(doc Document, path ...string) Document {
	cur := doc
	for _, key := range path {
		next, ok := cur[key].(map[string]interface{})
		if !ok {
			next = Document{}
			cur[key] = next
		}
		cur = next
	}
	return cur
}

func absent(obj Document, key string) bool {
	v, ok := obj[key]
	return !ok || v == nil
}

func stringList(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

// versionString renders a declared version that may have been written as a number.
func versionString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

package templates

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/aymerick/raymond"
)

// registerHelpers attaches the helper set to one parsed template. Helpers are
// registered per template instance rather than globally so concurrent renders
// and repeated engine construction never race on raymond's global registry.
func registerHelpers(tpl *raymond.Template) {
	tpl.RegisterHelpers(map[string]interface{}{
		"json":           jsonHelper,
		"lookup_nested":  lookupNestedHelper,
		"at_index":       atIndexHelper,
		"length":         lengthHelper,
		"eq":             eqHelper,
		"each_with_path": eachWithPathHelper,
	})
}

// jsonHelper serializes a value as JSON. The result is marked safe so quotes
// survive HTML escaping.
func jsonHelper(value interface{}) raymond.SafeString {
	out, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return raymond.SafeString(out)
}

// lookupNestedHelper resolves a dotted path ("order.customer.name") inside a
// nested map. Any missing segment yields the empty string, never an error.
func lookupNestedHelper(value interface{}, path string) interface{} {
	current := value
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return ""
		}
		current, ok = m[segment]
		if !ok {
			return ""
		}
	}
	if current == nil {
		return ""
	}
	return current
}

// atIndexHelper returns the element of a slice at the given index, or the
// empty string when out of range.
func atIndexHelper(value interface{}, index interface{}) interface{} {
	i, ok := toInt(index)
	if !ok {
		return ""
	}
	v := reflect.ValueOf(value)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return ""
	}
	if i < 0 || i >= v.Len() {
		return ""
	}
	return v.Index(i).Interface()
}

// lengthHelper returns the element count of a slice, array, map or string.
func lengthHelper(value interface{}) int {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len()
	default:
		return 0
	}
}

// eqHelper is a block helper rendering its body when both arguments print
// equal, and the else block otherwise.
func eqHelper(a, b interface{}, options *raymond.Options) interface{} {
	if raymond.Str(a) == raymond.Str(b) {
		return options.Fn()
	}
	return options.Inverse()
}

// eachWithPathHelper iterates a slice or map like the builtin each, but also
// exposes @path: the dotted/indexed location of the current element relative
// to the optional root hash argument. Useful when a block needs to echo back
// where in the payload a value came from.
func eachWithPathHelper(value interface{}, options *raymond.Options) interface{} {
	root := options.HashStr("root")

	var sb strings.Builder
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			frame := options.NewDataFrame()
			frame.Set("index", i)
			frame.Set("path", fmt.Sprintf("%s[%d]", root, i))
			sb.WriteString(options.FnCtxData(v.Index(i).Interface(), frame))
		}
	case reflect.Map:
		for _, key := range sortedMapKeys(v) {
			frame := options.NewDataFrame()
			frame.Set("key", key)
			frame.Set("path", joinPath(root, key))
			sb.WriteString(options.FnCtxData(v.MapIndex(reflect.ValueOf(key)).Interface(), frame))
		}
	default:
		return options.Inverse()
	}
	return raymond.SafeString(sb.String())
}

// sortedMapKeys gives a stable iteration order for string-keyed maps.
func sortedMapKeys(v reflect.Value) []string {
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		if k.Kind() == reflect.String {
			keys = append(keys, k.String())
		}
	}
	sort.Strings(keys)
	return keys
}

func joinPath(root, key string) string {
	if root == "" {
		return key
	}
	return root + "." + key
}

func toInt(value interface{}) (int, bool) {
	switch n := value.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

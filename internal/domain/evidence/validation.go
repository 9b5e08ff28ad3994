package evidence

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

// Check applies every rule to data and returns a CollectionError naming the
// first rule that fails.
func Check(rules []ValidationRule, data any) error {
	doc, err := normalize(data)
	if err != nil {
		return errors.NewCollectionError("VALIDATION_FAILED", "collected data is not JSON-encodable").WithCause(err)
	}
	for _, r := range rules {
		if err := r.check(doc); err != nil {
			return errors.NewCollectionError("VALIDATION_FAILED",
				fmt.Sprintf("validation %s %s failed: %v", r.Field, r.Operator, err))
		}
	}
	return nil
}

func (r ValidationRule) check(doc any) error {
	got, found := Lookup(doc, r.Field)
	if r.Operator == OpExists {
		want := true
		if b, ok := r.Value.(bool); ok {
			want = b
		}
		if found != want {
			return fmt.Errorf("field presence is %t", found)
		}
		return nil
	}
	if !found {
		return fmt.Errorf("field not present")
	}

	want, err := normalize(r.Value)
	if err != nil {
		return err
	}

	switch r.Operator {
	case OpEquals:
		if !reflect.DeepEqual(got, want) {
			return fmt.Errorf("got %v", got)
		}
	case OpContains:
		switch g := got.(type) {
		case string:
			s, ok := want.(string)
			if !ok || !strings.Contains(g, s) {
				return fmt.Errorf("%q does not contain %v", g, want)
			}
		case []any:
			for _, el := range g {
				if reflect.DeepEqual(el, want) {
					return nil
				}
			}
			return fmt.Errorf("array does not contain %v", want)
		default:
			return fmt.Errorf("cannot search %T", got)
		}
	case OpMatches:
		pattern, _ := want.(string)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return err
		}
		if !re.MatchString(fmt.Sprint(got)) {
			return fmt.Errorf("%v does not match", got)
		}
	case OpGreaterThan, OpLessThan:
		g, ok1 := toFloat(got)
		w, ok2 := toFloat(want)
		if !ok1 || !ok2 {
			return fmt.Errorf("non-numeric comparison of %v and %v", got, want)
		}
		if r.Operator == OpGreaterThan && !(g > w) {
			return fmt.Errorf("%v is not greater than %v", g, w)
		}
		if r.Operator == OpLessThan && !(g < w) {
			return fmt.Errorf("%v is not less than %v", g, w)
		}
	default:
		return fmt.Errorf("unknown operator")
	}
	return nil
}

// Lookup resolves a dot path such as "items.0.status" in a decoded JSON
// document. Numeric segments index into arrays.
func Lookup(doc any, path string) (any, bool) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// normalize round-trips v through JSON so structs, typed maps and Go integers
// compare the same way decoded payloads do.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

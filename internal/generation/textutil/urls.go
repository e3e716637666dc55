package textutil

import (
	"reflect"
	"regexp"
)

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>\\)\]]+`)

// HarvestURLs walks an arbitrarily nested structure (model output decoded as
// map[string]any / []any, or plain strings) and collects every URL it finds,
// deduplicated in first-seen order. Self-referential structures are guarded
// against by tracking visited container identities.
func HarvestURLs(v any) []string {
	seen := map[string]bool{}
	visited := map[uintptr]bool{}
	var out []string
	harvest(reflect.ValueOf(v), visited, seen, &out, 0)
	return out
}

const maxHarvestDepth = 64

func harvest(val reflect.Value, visited map[uintptr]bool, seen map[string]bool, out *[]string, depth int) {
	if !val.IsValid() || depth > maxHarvestDepth {
		return
	}
	switch val.Kind() {
	case reflect.Interface, reflect.Pointer:
		if val.IsNil() {
			return
		}
		if val.Kind() == reflect.Pointer {
			ptr := val.Pointer()
			if visited[ptr] {
				return
			}
			visited[ptr] = true
		}
		harvest(val.Elem(), visited, seen, out, depth+1)
	case reflect.String:
		for _, u := range urlPattern.FindAllString(val.String(), -1) {
			if !seen[u] {
				seen[u] = true
				*out = append(*out, u)
			}
		}
	case reflect.Map:
		if val.IsNil() {
			return
		}
		ptr := val.Pointer()
		if visited[ptr] {
			return
		}
		visited[ptr] = true
		iter := val.MapRange()
		for iter.Next() {
			harvest(iter.Value(), visited, seen, out, depth+1)
		}
	case reflect.Slice:
		if val.IsNil() {
			return
		}
		ptr := val.Pointer()
		if visited[ptr] {
			return
		}
		visited[ptr] = true
		for i := 0; i < val.Len(); i++ {
			harvest(val.Index(i), visited, seen, out, depth+1)
		}
	case reflect.Array:
		for i := 0; i < val.Len(); i++ {
			harvest(val.Index(i), visited, seen, out, depth+1)
		}
	case reflect.Struct:
		for i := 0; i < val.NumField(); i++ {
			if val.Type().Field(i).IsExported() {
				harvest(val.Field(i), visited, seen, out, depth+1)
			}
		}
	}
}

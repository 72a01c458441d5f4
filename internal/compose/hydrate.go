package compose

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// placeholderRe matches {{path}} and {{path|fallback}}.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*(?:\|([^}]*))?\}\}`)

// Result is the outcome of hydrating one template string. It is either
// Hydrated or MissingPlaceholder.
type Result interface {
	result()
}

// Hydrated carries fully substituted text.
type Hydrated struct {
	Text string
}

// MissingPlaceholder names the first placeholder with no value.
type MissingPlaceholder struct {
	Name string
}

func (Hydrated) result()           {}
func (MissingPlaceholder) result() {}

// Hydrate substitutes every placeholder in tmpl from ctx. Required
// placeholders with no value produce MissingPlaceholder and no text, so a
// partially substituted string never escapes.
func Hydrate(tmpl string, ctx Context) Result {
	var missing string
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		if missing != "" {
			return m
		}
		sub := placeholderRe.FindStringSubmatch(m)
		name := sub[1]
		hasFallback := strings.Contains(m, "|")

		if v, ok := ctx.Lookup(name); ok {
			if s := format(v); s != "" {
				return s
			}
		}
		if hasFallback {
			return strings.TrimSpace(sub[2])
		}
		missing = name
		return m
	})
	if missing != "" {
		return MissingPlaceholder{Name: missing}
	}
	return Hydrated{Text: out}
}

// Placeholders lists the placeholder names in tmpl in order of appearance.
func Placeholders(tmpl string) []string {
	var names []string
	for _, sub := range placeholderRe.FindAllStringSubmatch(tmpl, -1) {
		names = append(names, sub[1])
	}
	return names
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format("2006-01-02")
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

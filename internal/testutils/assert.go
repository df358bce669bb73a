package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// TestingT is the part of *testing.T the asserters use.
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
}

// PresencePlaceholder in expected JSON accepts any actual value for the key.
const PresencePlaceholder = "<<PRESENCE>>"

// AssertOptions tune text and JSON comparison.
type AssertOptions struct {
	TrimSpace                bool `default:"true"`
	IgnoreTrailingWhitespace bool `default:"true"`
	IgnoreEmptyLines         bool `default:"false"`
	Colors                   bool `default:"false"`

	IgnoreExtraKeys bool `default:"true"`
	IgnoredFields   []string
}

// AssertOption is a functional option for AssertText and AssertJSON.
type AssertOption func(*AssertOptions)

func WithIgnoreEmptyLines() AssertOption {
	return func(o *AssertOptions) { o.IgnoreEmptyLines = true }
}

func WithColors() AssertOption {
	return func(o *AssertOptions) { o.Colors = true }
}

// WithExactKeys fails on keys present in actual JSON but not expected.
func WithExactKeys() AssertOption {
	return func(o *AssertOptions) { o.IgnoreExtraKeys = false }
}

// WithIgnoredFields drops the named keys at any depth before comparing.
func WithIgnoredFields(fields ...string) AssertOption {
	return func(o *AssertOptions) { o.IgnoredFields = append(o.IgnoredFields, fields...) }
}

func assertOptions(opts []AssertOption) AssertOptions {
	o := AssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// AssertText fails t with a unified diff when actual differs from expected.
func AssertText(t TestingT, actual, expected string, opts ...AssertOption) bool {
	t.Helper()
	if diff := TextDiff(actual, expected, opts...); diff != "" {
		t.Errorf("text mismatch:\n%s", diff)
		return false
	}
	return true
}

// TextDiff returns a unified diff of expected against actual, or "".
func TextDiff(actual, expected string, opts ...AssertOption) string {
	o := assertOptions(opts)
	a, e := normalizeText(actual, o), normalizeText(expected, o)
	if a == e {
		return ""
	}

	edits := myers.ComputeEdits("", e, a)
	diff := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", e, edits))
	if !o.Colors {
		return diff
	}

	red, green, cyan := color.New(color.FgRed), color.New(color.FgGreen), color.New(color.FgCyan)
	for _, c := range []*color.Color{red, green, cyan} {
		c.EnableColor()
	}
	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(visibleWhitespace(line))
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(visibleWhitespace(line))
		}
	}
	return strings.Join(lines, "\n")
}

func visibleWhitespace(line string) string {
	return strings.NewReplacer(" ", "·", "\t", "→").Replace(line)
}

func normalizeText(text string, o AssertOptions) string {
	if o.TrimSpace {
		text = strings.TrimSpace(text)
	}
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if o.IgnoreTrailingWhitespace {
			line = strings.TrimRight(line, " \t\r")
		}
		if o.IgnoreEmptyLines && strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// AssertJSON fails t with a structural diff when actual JSON differs from
// expected. By default keys missing from expected are ignored and
// PresencePlaceholder values match anything.
func AssertJSON(t TestingT, actual, expected string, opts ...AssertOption) bool {
	t.Helper()
	if diff := JSONDiff(actual, expected, opts...); diff != "" {
		t.Errorf("JSON mismatch:\n%s", diff)
		return false
	}
	return true
}

// JSONDiff returns a readable diff of expected against actual, or "".
func JSONDiff(actual, expected string, opts ...AssertOption) string {
	o := assertOptions(opts)

	var exp, act any
	if err := json.Unmarshal([]byte(expected), &exp); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actual), &act); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	if _, ok := exp.([]any); ok {
		exp = map[string]any{"array": exp}
		act = map[string]any{"array": act}
	}

	for _, f := range o.IgnoredFields {
		dropField(exp, f)
		dropField(act, f)
	}
	fillPresence(exp, act)
	if o.IgnoreExtraKeys {
		pruneExtraKeys(act, exp)
	}

	eb, _ := json.Marshal(exp)
	ab, _ := json.Marshal(act)
	diff, err := gojsondiff.New().Compare(eb, ab)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	var left map[string]any
	_ = json.Unmarshal(eb, &left)
	f := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       o.Colors,
	})
	out, err := f.Format(diff)
	if err != nil {
		return fmt.Sprintf("JSON diff formatting failed: %v", err)
	}
	return out
}

// walkPair visits matching object keys and array indexes of exp and act.
func walkPair(exp, act any, visit func(exp, act map[string]any)) {
	switch e := exp.(type) {
	case map[string]any:
		a, ok := act.(map[string]any)
		if !ok {
			return
		}
		visit(e, a)
		for k, v := range e {
			walkPair(v, a[k], visit)
		}
	case []any:
		a, ok := act.([]any)
		if !ok {
			return
		}
		for i := range min(len(e), len(a)) {
			walkPair(e[i], a[i], visit)
		}
	}
}

func fillPresence(exp, act any) {
	walkPair(exp, act, func(e, a map[string]any) {
		for k, v := range e {
			if s, ok := v.(string); ok && s == PresencePlaceholder {
				if av, present := a[k]; present {
					e[k] = av
				}
			}
		}
	})
}

func pruneExtraKeys(act, exp any) {
	walkPair(exp, act, func(e, a map[string]any) {
		for k := range a {
			if _, ok := e[k]; !ok {
				delete(a, k)
			}
		}
	})
}

func dropField(v any, field string) {
	switch t := v.(type) {
	case map[string]any:
		delete(t, field)
		for _, child := range t {
			dropField(child, field)
		}
	case []any:
		for _, child := range t {
			dropField(child, field)
		}
	}
}

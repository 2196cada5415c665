package testutils

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// ----------------------------
// JSON
// ----------------------------

// JSONAssertOptions tunes JSON comparison
type JSONAssertOptions struct {
	IgnoredFields []string `default:""`
	ShowIndex     bool     `default:"true"`
}

type JSONAsserter struct {
	t       testing.TB
	options JSONAssertOptions
}

// NewJSONAsserter creates a JSONAsserter with default options
func NewJSONAsserter(t testing.TB) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

// IgnoreFields drops the named object keys, at any depth, from both sides before comparing
func (ja *JSONAsserter) IgnoreFields(fields ...string) *JSONAsserter {
	ja.options.IgnoredFields = append(ja.options.IgnoredFields, fields...)
	return ja
}

// Assert compares actualJSON against expectedJSON and fails the test with an ASCII diff
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	ja.t.Helper()
	diff := ja.Diff(actualJSON, expectedJSON)
	if diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
		return false
	}
	return true
}

// Diff returns an empty string when both documents are equal
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual map[string]interface{}
	if err := json.Unmarshal([]byte(wrapRoot(expectedJSON)), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(wrapRoot(actualJSON)), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}
	for _, f := range ja.options.IgnoredFields {
		dropField(expected, f)
		dropField(actual, f)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{
		ShowArrayIndex: ja.options.ShowIndex,
		Coloring:       false,
	})
	out, _ := f.Format(diff)
	return out
}

// wrapRoot wraps any document in an object; gojsondiff compares objects only
func wrapRoot(doc string) string {
	return `{"root":` + doc + `}`
}

func dropField(v interface{}, field string) {
	switch t := v.(type) {
	case map[string]interface{}:
		delete(t, field)
		for _, child := range t {
			dropField(child, field)
		}
	case []interface{}:
		for _, child := range t {
			dropField(child, field)
		}
	}
}

// ----------------------------
// Text
// ----------------------------

// TextAssertOptions tunes text comparison
type TextAssertOptions struct {
	TrimSpace        bool `default:"true"`
	IgnoreEmptyLines bool `default:"true"`
}

type TextAsserter struct {
	t       testing.TB
	options TextAssertOptions
}

// NewTextAsserter creates a TextAsserter with default options
func NewTextAsserter(t testing.TB) *TextAsserter {
	opts := TextAssertOptions{}
	defaults.SetDefaults(&opts)
	return &TextAsserter{t: t, options: opts}
}

// Assert compares actual text against expected text and fails the test with a unified diff
func (ta *TextAsserter) Assert(actual, expected string) bool {
	ta.t.Helper()
	a, e := ta.normalize(actual), ta.normalize(expected)
	if a == e {
		return true
	}
	edits := myers.ComputeEdits("", e, a)
	unified := gotextdiff.ToUnified("expected", "actual", e, edits)
	ta.t.Errorf("Text assertion failed - unified diff:\n%s", fmt.Sprint(unified))
	return false
}

func (ta *TextAsserter) normalize(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if ta.options.TrimSpace {
			line = strings.TrimSpace(line)
		}
		if ta.options.IgnoreEmptyLines && line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n") + "\n"
}

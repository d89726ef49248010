package tagstream

import (
	"regexp"

	"github.com/tidwall/gjson"
)

// ExtractTagContent returns the body of the first <name>...</name> region in
// a complete text. The body may span lines.
func ExtractTagContent(text, name string) (string, bool) {
	q := regexp.QuoteMeta(name)
	re, err := regexp.Compile(`(?s)<` + q + `>(.*?)</` + q + `>`)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractJSONTagContent extracts the body of the first <name> region and
// parses it as JSON. Empty or invalid bodies are reported as not found.
func ExtractJSONTagContent(text, name string) (gjson.Result, bool) {
	content, ok := ExtractTagContent(text, name)
	if !ok || !gjson.Valid(content) {
		return gjson.Result{}, false
	}
	return gjson.Parse(content), true
}

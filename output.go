package pipewise

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DecodeOutput parses an agent's final text against its declared output
// schema. Markdown code fences around the JSON are tolerated and stripped.
// When schema is nil the raw text is returned as a JSON string.
func DecodeOutput(text string, schema *jsonschema.Schema) (json.RawMessage, error) {
	if schema == nil {
		raw, err := json.Marshal(text)
		if err != nil {
			return nil, &DecodeError{Path: "/", Message: err.Error()}
		}
		return raw, nil
	}

	cleaned := stripFence(text)
	var decoded any
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		return nil, &DecodeError{Path: "/", Message: "not valid JSON: " + err.Error()}
	}
	if err := schema.Validate(decoded); err != nil {
		path, msg := violationDetail(err)
		return nil, &DecodeError{Path: path, Message: msg}
	}
	return json.RawMessage(cleaned), nil
}

// stripFence removes a surrounding markdown code fence, with or without a
// language tag, leaving bare JSON untouched.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// drop the language tag line ("json", "JSON", or empty)
		first := strings.TrimSpace(s[:i])
		if first == "" || strings.EqualFold(first, "json") {
			s = s[i+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func violationDetail(err error) (path, msg string) {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "/", err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	path = leaf.InstanceLocation
	if path == "" {
		path = "/"
	}
	return path, leaf.Message
}

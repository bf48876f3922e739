package host

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFrontmatter splits a markdown document into its YAML frontmatter,
// converted to JSON, and the remaining body. The frontmatter must start on
// the first line with "---" and end at the next line that is "---" after
// trimming. Without a closing marker the whole document is body.
func ParseFrontmatter(content string) (fm json.RawMessage, body string, ok bool, err error) {
	if !strings.HasPrefix(content, "---") {
		return nil, content, false, nil
	}

	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, content, false, nil
	}

	var value any
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &value); err != nil {
		return nil, content, false, fmt.Errorf("invalid YAML frontmatter: %w", err)
	}

	raw, err := json.Marshal(jsonCompatible(value))
	if err != nil {
		return nil, content, false, fmt.Errorf("frontmatter: %w", err)
	}
	return raw, strings.Join(lines[end+1:], "\n"), true, nil
}

// jsonCompatible converts YAML maps with non-string keys into string-keyed
// maps.
func jsonCompatible(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = jsonCompatible(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = jsonCompatible(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = jsonCompatible(item)
		}
		return val
	default:
		return val
	}
}

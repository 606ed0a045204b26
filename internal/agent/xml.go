package agent

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/kortix-ai/agentpress/internal/tools"
)

// The markup grammar is deliberately not XML: a flat set of registered tag
// names, scanned with depth counting for nested same-name tags and a
// tolerant attribute syntax. Malformed input is never an error; at worst an
// individual chunk is rejected and the surrounding text kept.

var attrPattern = regexp.MustCompile(`([A-Za-z_][\w.-]*)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s>/]+))`)

var entityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

// markupMatch is one complete markup chunk located in the scan window.
type markupMatch struct {
	tag   string
	chunk string

	// start and end bound the chunk within the scanned window.
	start int
	end   int

	// content is the text between the outermost open and close tags,
	// empty for self-closing tags.
	content string

	// attrs are the decoded opening-tag attributes.
	attrs map[string]string
}

// findMarkup locates the earliest complete occurrence of any registered tag
// in window. When final is false the scan stops at the first opening whose
// closing tag has not arrived yet; when final is true such openings are
// skipped so trailing complete chunks still parse.
func findMarkup(window string, tags []string, final bool) *markupMatch {
	from := 0
	for {
		tag, start := earliestOpening(window, tags, from)
		if tag == "" {
			return nil
		}
		m := completeChunk(window, tag, start)
		if m != nil {
			return m
		}
		if !final {
			return nil
		}
		from = start + 1
	}
}

// earliestOpening finds the first opening of any registered tag at or after
// from. Returns the tag and its position, or "" when none opens.
func earliestOpening(window string, tags []string, from int) (string, int) {
	best := -1
	bestTag := ""
	for _, tag := range tags {
		idx := findOpening(window, tag, from)
		if idx >= 0 && (best < 0 || idx < best) {
			best = idx
			bestTag = tag
		}
	}
	return bestTag, best
}

func findOpening(window, tag string, from int) int {
	marker := "<" + tag
	for i := from; i < len(window); {
		idx := strings.Index(window[i:], marker)
		if idx < 0 {
			return -1
		}
		pos := i + idx
		after := pos + len(marker)
		if after >= len(window) {
			// Could still be the start of a longer tag name; treat as a
			// candidate so streaming waits for more data.
			return pos
		}
		switch window[after] {
		case ' ', '\t', '\n', '\r', '>', '/':
			return pos
		}
		i = pos + 1
	}
	return -1
}

// completeChunk tries to bound the chunk opening at start. Returns nil when
// the opening tag or its matching close has not fully arrived.
func completeChunk(window, tag string, start int) *markupMatch {
	openEnd := strings.IndexByte(window[start:], '>')
	if openEnd < 0 {
		return nil
	}
	openEnd += start
	openTag := window[start : openEnd+1]

	m := &markupMatch{tag: tag, start: start, attrs: parseAttributes(openTag)}

	if strings.HasSuffix(strings.TrimRight(openTag[:len(openTag)-1], " \t"), "/") {
		// Self-closing.
		m.end = openEnd + 1
		m.chunk = window[start:m.end]
		return m
	}

	closeIdx := matchClose(window, tag, openEnd+1)
	if closeIdx < 0 {
		return nil
	}
	closeMarker := "</" + tag + ">"
	m.end = closeIdx + len(closeMarker)
	m.chunk = window[start:m.end]
	m.content = strings.TrimSpace(window[openEnd+1 : closeIdx])
	return m
}

// matchClose finds the closing tag matching an already-open tag, counting
// nested same-name openings. Returns the index of "</tag>" or -1.
func matchClose(window, tag string, from int) int {
	depth := 1
	closeMarker := "</" + tag + ">"
	pos := from
	for pos < len(window) {
		nextOpen := findOpening(window, tag, pos)
		nextClose := strings.Index(window[pos:], closeMarker)
		if nextClose < 0 {
			return -1
		}
		nextClose += pos

		if nextOpen >= 0 && nextOpen < nextClose {
			// Skip self-closing nested tags, they don't change depth.
			gt := strings.IndexByte(window[nextOpen:], '>')
			if gt < 0 {
				return -1
			}
			gt += nextOpen
			if !strings.HasSuffix(strings.TrimRight(window[nextOpen:gt], " \t"), "/") {
				depth++
			}
			pos = gt + 1
			continue
		}

		depth--
		if depth == 0 {
			return nextClose
		}
		pos = nextClose + len(closeMarker)
	}
	return -1
}

func parseAttributes(openTag string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(openTag, -1) {
		value := m[2]
		if value == "" && m[3] != "" {
			value = m[3]
		}
		if value == "" && m[4] != "" {
			value = m[4]
		}
		attrs[m[1]] = entityReplacer.Replace(value)
	}
	return attrs
}

// extractChild returns the text of the first child element with the given
// name inside content, depth-aware for nested same-name children.
func extractChild(content, name string) (string, bool) {
	start := findOpening(content, name, 0)
	if start < 0 {
		return "", false
	}
	m := completeChunk(content, name, start)
	if m == nil {
		return "", false
	}
	return m.content, true
}

// parseMarkupArgs fills the tool's argument map from a matched chunk. A
// chunk is valid only when every declared mapping is filled.
func parseMarkupArgs(m *markupMatch, desc *tools.XMLDescriptor, schema json.RawMessage, logger *slog.Logger) (map[string]any, bool) {
	types := schemaPropertyTypes(schema)
	args := make(map[string]any, len(desc.Params))
	for _, p := range desc.Params {
		var raw string
		var ok bool
		switch p.Kind {
		case tools.ParamAttribute:
			raw, ok = m.attrs[p.Location()]
		case tools.ParamElement:
			raw, ok = extractChild(m.content, p.Location())
			if ok {
				raw = entityReplacer.Replace(raw)
			}
		case tools.ParamContent:
			raw, ok = entityReplacer.Replace(m.content), true
		}
		if !ok {
			logger.Warn("rejecting markup chunk: parameter missing",
				"tag", m.tag, "param", p.Name)
			return nil, false
		}
		args[p.Name] = coerceValue(raw, types[p.Name])
	}
	return args, true
}

// coerceValue converts a markup string into the type the tool's schema
// declares for that parameter. Unparseable values stay strings and are
// caught by schema validation.
func coerceValue(raw, typ string) any {
	switch typ {
	case "number", "integer":
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return b
		}
	case "object", "array":
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v
		}
	}
	return raw
}

// schemaPropertyTypes reads the top-level property types out of a tool
// schema. Best effort; an unreadable schema yields no coercion.
func schemaPropertyTypes(schema json.RawMessage) map[string]string {
	if len(schema) == 0 {
		return nil
	}
	var s struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil
	}
	types := make(map[string]string, len(s.Properties))
	for name, prop := range s.Properties {
		types[name] = prop.Type
	}
	return types
}

package onebot

import "strings"

// cqSegment is one parsed piece of an OneBot raw message: either plain
// text (typ empty) or a CQ code with its parameters.
type cqSegment struct {
	typ    string
	text   string
	params map[string]string
}

// parseCQ splits a raw_message into text and CQ code segments. Malformed
// codes (no closing bracket) are kept as literal text.
func parseCQ(raw string) []cqSegment {
	var segs []cqSegment
	for len(raw) > 0 {
		start := strings.Index(raw, "[CQ:")
		if start < 0 {
			segs = append(segs, cqSegment{text: unescapeText(raw)})
			break
		}
		if start > 0 {
			segs = append(segs, cqSegment{text: unescapeText(raw[:start])})
		}
		end := strings.Index(raw[start:], "]")
		if end < 0 {
			segs = append(segs, cqSegment{text: unescapeText(raw[start:])})
			break
		}
		end += start
		segs = append(segs, parseCQBody(raw[start+4:end]))
		raw = raw[end+1:]
	}
	return segs
}

// parseCQBody parses "type,key=val,key=val" from inside a CQ bracket.
func parseCQBody(body string) cqSegment {
	parts := strings.Split(body, ",")
	seg := cqSegment{typ: parts[0], params: make(map[string]string)}
	for _, part := range parts[1:] {
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		seg.params[key] = unescapeParam(val)
	}
	return seg
}

// plainText concatenates the text segments of a raw message.
func plainText(segs []cqSegment) string {
	var b strings.Builder
	for _, seg := range segs {
		if seg.typ == "" {
			b.WriteString(seg.text)
		}
	}
	return strings.TrimSpace(b.String())
}

// escapeText escapes plain text for embedding in an outbound message.
// Ampersand must go first.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "[", "&#91;")
	s = strings.ReplaceAll(s, "]", "&#93;")
	return s
}

// escapeParam escapes a CQ code parameter value.
func escapeParam(s string) string {
	return strings.ReplaceAll(escapeText(s), ",", "&#44;")
}

func unescapeText(s string) string {
	s = strings.ReplaceAll(s, "&#91;", "[")
	s = strings.ReplaceAll(s, "&#93;", "]")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

func unescapeParam(s string) string {
	s = strings.ReplaceAll(s, "&#44;", ",")
	return unescapeText(s)
}

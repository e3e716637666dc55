package textutil

import (
	"fmt"
	"strings"
	"unicode"
)

// GrammarRoles are the structural tags the conversion and analysis prompts
// are allowed to emit. Anything else in angle brackets is treated as literal
// text.
var GrammarRoles = []string{
	"subject", "verb", "object", "complement", "modifier", "conjunction",
}

type TagSpan struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Role  string `json:"role"`
	Text  string `json:"text"`
}

// TagParseResult carries the untagged text, the recovered role spans (offsets
// into Plain), and the outcome of the integrity check against the original
// source text.
type TagParseResult struct {
	Plain         string
	Spans         []TagSpan
	Valid         bool
	MismatchIndex int // index into the normalized texts; -1 when Valid
}

type openTag struct {
	role       string
	plainStart int
}

// ParseInlineTags strips role tags (possibly nested) from tagged model
// output, records each tag's role and the span it covered in the untagged
// text, and verifies the untagged text is character-identical to original
// once whitespace and role markers are normalized away. A model that quietly
// rewrites the text it was asked only to annotate fails the check.
func ParseInlineTags(tagged, original string, roles []string) (TagParseResult, error) {
	if len(roles) == 0 {
		roles = GrammarRoles
	}
	roleSet := map[string]bool{}
	for _, r := range roles {
		roleSet[strings.ToLower(r)] = true
	}

	var plain strings.Builder
	var spans []TagSpan
	var stack []openTag

	i := 0
	for i < len(tagged) {
		c := tagged[i]
		if c != '<' {
			plain.WriteByte(c)
			i++
			continue
		}
		role, closing, width, ok := readTag(tagged[i:], roleSet)
		if !ok {
			plain.WriteByte(c)
			i++
			continue
		}
		if !closing {
			stack = append(stack, openTag{role: role, plainStart: plain.Len()})
			i += width
			continue
		}
		if len(stack) == 0 || stack[len(stack)-1].role != role {
			return TagParseResult{}, fmt.Errorf("textutil: mismatched closing tag </%s> at offset %d", role, i)
		}
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		spans = append(spans, TagSpan{
			Start: top.plainStart,
			End:   plain.Len(),
			Role:  role,
			Text:  plain.String()[top.plainStart:plain.Len()],
		})
		i += width
	}
	if len(stack) > 0 {
		return TagParseResult{}, fmt.Errorf("textutil: unclosed tag <%s>", stack[len(stack)-1].role)
	}

	res := TagParseResult{Plain: plain.String(), Spans: spans}
	res.Valid, res.MismatchIndex = textsMatch(res.Plain, original, roles)
	return res, nil
}

// readTag inspects s (which starts with '<') and reports the role, whether it
// is a closing tag, and the tag's byte width. ok is false for anything that
// is not a known role tag.
func readTag(s string, roleSet map[string]bool) (role string, closing bool, width int, ok bool) {
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return "", false, 0, false
	}
	body := s[1:end]
	if strings.HasPrefix(body, "/") {
		closing = true
		body = body[1:]
	}
	body = strings.ToLower(strings.TrimSpace(body))
	if !roleSet[body] {
		return "", false, 0, false
	}
	return body, closing, end + 1, true
}

// NormalizeText removes whitespace and any known role markers so two
// renditions of the same prose compare equal regardless of tagging or
// formatting drift.
func NormalizeText(s string, roles []string) string {
	if len(roles) == 0 {
		roles = GrammarRoles
	}
	for _, r := range roles {
		s = strings.ReplaceAll(s, "<"+r+">", "")
		s = strings.ReplaceAll(s, "</"+r+">", "")
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// textsMatch compares the normalized forms rune-by-rune and reports the first
// index (into the normalized texts) where they diverge.
func textsMatch(got, want string, roles []string) (bool, int) {
	ng := []rune(NormalizeText(got, roles))
	nw := []rune(NormalizeText(want, roles))
	n := len(ng)
	if len(nw) < n {
		n = len(nw)
	}
	for i := 0; i < n; i++ {
		if ng[i] != nw[i] {
			return false, i
		}
	}
	if len(ng) != len(nw) {
		return false, n
	}
	return true, -1
}

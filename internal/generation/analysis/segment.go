package analysis

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/readlevel/readlevel-backend/internal/types"
)

// sentenceStarters is the fixed lexical evidence set for the split-repair
// pass: pronouns, conjunctions and determiners that commonly open a sentence.
// An ambiguous split after an abbreviation-like token is undone unless the
// following segment begins with one of these.
var sentenceStarters = map[string]bool{
	"the": true, "a": true, "an": true,
	"he": true, "she": true, "it": true, "they": true, "we": true,
	"i": true, "you": true,
	"this": true, "that": true, "these": true, "those": true,
	"his": true, "her": true, "their": true, "our": true, "its": true,
	"my": true, "your": true,
	"but": true, "and": true, "or": true, "so": true, "yet": true,
	"however": true, "meanwhile": true, "then": true, "there": true,
	"when": true, "while": true, "after": true, "before": true,
	"some": true, "many": true, "one": true,
}

// SegmentSentences splits article text into sentences. Offsets are byte
// offsets into content; sentences are non-overlapping, ordered by Start, and
// content[Start:End] == Text for every sentence, so the original text is
// reconstructable from the sentences plus the inter-sentence gaps.
func SegmentSentences(content string) []types.SentenceData {
	raw := rawSegments(content)
	merged := repairAbbreviationSplits(content, raw)

	out := make([]types.SentenceData, 0, len(merged))
	for i, seg := range merged {
		out = append(out, types.SentenceData{
			ID:    i,
			Start: seg.start,
			End:   seg.end,
			Text:  content[seg.start:seg.end],
		})
	}
	return out
}

type segment struct {
	start int
	end   int
}

// rawSegments performs the first boundary pass: a terminal punctuation mark
// followed by whitespace (or end of text) closes a sentence.
func rawSegments(content string) []segment {
	var segs []segment
	start := -1
	i := 0
	for i < len(content) {
		r, width := utf8.DecodeRuneInString(content[i:])
		if start < 0 {
			if !unicode.IsSpace(r) {
				start = i
			}
			i += width
			continue
		}
		if r == '.' || r == '!' || r == '?' {
			end := i + width
			// Trailing closing quotes belong to the sentence.
			for end < len(content) {
				nr, nw := utf8.DecodeRuneInString(content[end:])
				if nr == '"' || nr == '”' || nr == '\'' {
					end += nw
					continue
				}
				break
			}
			if end >= len(content) || isSpaceAt(content, end) {
				segs = append(segs, segment{start: start, end: end})
				start = -1
				i = end
				continue
			}
		}
		i += width
	}
	if start >= 0 {
		segs = append(segs, segment{start: start, end: len(content)})
	}
	return segs
}

func isSpaceAt(s string, i int) bool {
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsSpace(r)
}

// repairAbbreviationSplits undoes splits caused by a mid-sentence capital
// initial ("Jason W. Ricketts"). The split after an abbreviation-like token
// stands only when the next segment opens with a known sentence starter;
// ambiguous cases default to "not a boundary".
func repairAbbreviationSplits(content string, segs []segment) []segment {
	if len(segs) < 2 {
		return segs
	}
	out := make([]segment, 0, len(segs))
	cur := segs[0]
	for i := 1; i < len(segs); i++ {
		next := segs[i]
		if endsWithInitial(content[cur.start:cur.end]) && !startsWithStarter(content[next.start:next.end]) {
			cur.end = next.end
			continue
		}
		out = append(out, cur)
		cur = next
	}
	out = append(out, cur)
	return out
}

// endsWithInitial reports whether the segment ends in a capital letter
// followed by a period: a lone middle initial ("Jason W.") or the tail of a
// dotted abbreviation ("U.S."). A capital that closes an ordinary word
// ("NATO.") does not count.
func endsWithInitial(seg string) bool {
	seg = strings.TrimRight(seg, "\"'”")
	if len(seg) < 2 || !strings.HasSuffix(seg, ".") {
		return false
	}
	body := seg[:len(seg)-1]
	r, size := utf8.DecodeLastRuneInString(body)
	if !unicode.IsUpper(r) {
		return false
	}
	rest := body[:len(body)-size]
	if rest == "" {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(rest)
	return unicode.IsSpace(prev) || prev == '.'
}

func startsWithStarter(seg string) bool {
	seg = strings.TrimLeft(seg, "\"'“")
	end := 0
	for end < len(seg) {
		r, width := utf8.DecodeRuneInString(seg[end:])
		if !unicode.IsLetter(r) {
			break
		}
		end += width
	}
	if end == 0 {
		return false
	}
	return sentenceStarters[strings.ToLower(seg[:end])]
}

// GroupParagraphs batches consecutive sentences into paragraphs. A line break
// anywhere in the gap between two sentences starts a new paragraph, which
// preserves the source paragraph structure without trusting the provider to
// remember it.
func GroupParagraphs(content string, sentences []types.SentenceData) [][]types.SentenceData {
	var out [][]types.SentenceData
	var cur []types.SentenceData
	for i, s := range sentences {
		if i > 0 {
			gap := content[sentences[i-1].End:s.Start]
			if strings.ContainsRune(gap, '\n') {
				out = append(out, cur)
				cur = nil
			}
		}
		cur = append(cur, s)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// paragraphWordCount is used by the batching policy to skip titles and
// fragments that are not worth a provider call.
func paragraphWordCount(sentences []types.SentenceData) int {
	n := 0
	for _, s := range sentences {
		n += len(strings.Fields(s.Text))
	}
	return n
}

package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunk sizing approximates 512 embedding tokens at 4 chars/token,
// with a 50-token overlap carried between consecutive chunks.
const (
	defaultChunkChars   = 2048
	defaultOverlapChars = 200
)

// splitChunks splits text into overlapping chunks. Splitting cascades
// from paragraph boundaries to sentence boundaries to words; adjacent
// segments are then packed up to maxChars with overlapChars of suffix
// repeated between consecutive chunks.
func splitChunks(text string, maxChars, overlapChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxChars {
		return []string{text}
	}

	var segments []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) <= maxChars {
			segments = append(segments, p)
			continue
		}
		segments = append(segments, splitSentences(p, maxChars)...)
	}
	return mergeOverlap(segments, maxChars, overlapChars)
}

// splitSentences packs whole sentences into segments of at most
// maxChars. Sentences that alone exceed maxChars fall through to word
// splitting.
func splitSentences(text string, maxChars int) []string {
	var sentences []string
	start := 0
	for _, b := range sentenceBoundaries(text) {
		if s := strings.TrimSpace(text[start:b]); s != "" {
			sentences = append(sentences, s)
		}
		start = b
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	if len(sentences) == 0 {
		return splitWords(text, maxChars)
	}

	var segments []string
	var cur strings.Builder
	for _, s := range sentences {
		if len(s) > maxChars {
			if cur.Len() > 0 {
				segments = append(segments, cur.String())
				cur.Reset()
			}
			segments = append(segments, splitWords(s, maxChars)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(s) > maxChars {
			segments = append(segments, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
	}
	if cur.Len() > 0 {
		segments = append(segments, cur.String())
	}
	return segments
}

// abbreviations whose trailing dot does not end a sentence. Russian
// standards text leans on «см.», «табл.» and friends; single-letter
// words before a dot («т.», «д.», «г.») count as abbreviations
// without being listed.
var abbreviations = map[string]bool{
	"см": true, "рис": true, "табл": true, "стр": true, "гл": true,
	"др": true, "пр": true, "напр": true, "тыс": true, "млн": true,
	"млрд": true, "руб": true, "им": true, "ул": true,
	"etc": true, "vs": true, "approx": true, "fig": true, "vol": true,
}

// sentenceBoundaries returns byte offsets where a new sentence starts:
// . ! or ? followed by whitespace and an uppercase letter (Cyrillic
// included) or an opening «. Decimal numbers and abbreviations are
// skipped.
func sentenceBoundaries(text string) []int {
	var boundaries []int
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if r == '.' && (isDecimalDot(text, i) || isAbbreviation(text, i)) {
			continue
		}
		j := i + 1
		if j >= len(text) {
			continue
		}
		next, size := utf8.DecodeRuneInString(text[j:])
		if next == '\n' {
			boundaries = append(boundaries, j)
			continue
		}
		if next != ' ' {
			continue
		}
		after, _ := utf8.DecodeRuneInString(text[j+size:])
		if unicode.IsUpper(after) || after == '«' || after == '—' {
			boundaries = append(boundaries, j+size)
		}
	}
	return boundaries
}

// isDecimalDot reports whether the dot at dotPos sits inside a number
// such as 3.14.
func isDecimalDot(text string, dotPos int) bool {
	if dotPos == 0 || dotPos+1 >= len(text) {
		return false
	}
	return text[dotPos-1] >= '0' && text[dotPos-1] <= '9' &&
		text[dotPos+1] >= '0' && text[dotPos+1] <= '9'
}

// isAbbreviation reports whether the word ending at the dot is a known
// abbreviation or a single letter.
func isAbbreviation(text string, dotPos int) bool {
	start := dotPos
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(text[:start])
		if !unicode.IsLetter(r) {
			break
		}
		start -= size
	}
	word := strings.ToLower(text[start:dotPos])
	if word == "" {
		return false
	}
	return utf8.RuneCountInString(word) == 1 || abbreviations[word]
}

// splitWords is the last-resort splitter for text with no usable
// sentence boundaries. Oversized unbroken runs are cut at rune
// boundaries so Cyrillic bytes are never split mid-character.
func splitWords(text string, maxChars int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var segments []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segments = append(segments, cur.String())
			cur.Reset()
		}
	}

	for _, w := range words {
		if len(w) > maxChars {
			flush()
			for len(w) > maxChars {
				cut := maxChars
				for cut > 0 && !utf8.RuneStart(w[cut]) {
					cut--
				}
				segments = append(segments, w[:cut])
				w = w[cut:]
			}
			cur.WriteString(w)
			continue
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > maxChars {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	flush()
	return segments
}

// mergeOverlap packs segments into chunks of at most maxChars, joined
// by newlines, repeating up to overlapChars of each chunk's tail at
// the head of the next so context survives the cut.
func mergeOverlap(segments []string, maxChars, overlapChars int) []string {
	var chunks []string
	var cur strings.Builder
	for _, seg := range segments {
		if cur.Len() > 0 && cur.Len()+1+len(seg) > maxChars {
			chunk := cur.String()
			chunks = append(chunks, chunk)
			cur.Reset()
			if tail := overlapSuffix(chunk, overlapChars); tail != "" && len(tail)+1+len(seg) <= maxChars {
				cur.WriteString(tail)
			}
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(seg)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// overlapSuffix returns the last n bytes of text trimmed forward to a
// word break, or "" when the tail holds no break.
func overlapSuffix(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(text) <= n {
		return text
	}
	tail := text[len(text)-n:]
	if i := strings.IndexAny(tail, " \n"); i >= 0 {
		return strings.TrimSpace(tail[i+1:])
	}
	return ""
}

package telegram

import "strings"

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries. With MarkdownV2 a chunk never ends on an escaping backslash;
// with HTML it never ends inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	html := strings.EqualFold(parseMode, "HTML")
	markdown := strings.EqualFold(parseMode, "MarkdownV2")

	out := make([]string, 0, len(rs)/limit+1)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			end = cutPoint(rs, start, end, limit, html, markdown)
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func cutPoint(rs []rune, start, end, limit int, html, markdown bool) int {
	// newline near the end of the window, but not one that leaves a tiny chunk
	for i := end - 1; i > start+limit/3; i-- {
		if rs[i] == '\n' {
			return i + 1
		}
	}
	if html {
		open, closed := -1, -1
		for i := start; i < end; i++ {
			switch rs[i] {
			case '<':
				open = i
			case '>':
				closed = i
			}
		}
		if open > closed && open > start {
			return open
		}
	}
	if markdown {
		n := 0
		for i := end - 1; i >= start && rs[i] == '\\'; i-- {
			n++
		}
		if n%2 == 1 && end-1 > start {
			return end - 1
		}
	}
	return end
}

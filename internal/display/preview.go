package display

import "strings"

// RepairPreview reassembles masked text that arrives broken into
// one-character lines. Runs of single-character lines are joined into one
// line ending with the last terminator seen in the run ("\n" if none).
// Every other line, empty ones included, is emitted unchanged.
func RepairPreview(masked string) string {
	if masked == "" {
		return masked
	}

	var (
		out        strings.Builder
		buffer     strings.Builder
		bufferTerm string
	)
	flush := func() {
		if buffer.Len() == 0 {
			return
		}
		term := bufferTerm
		if term == "" {
			term = "\n"
		}
		out.WriteString(buffer.String())
		out.WriteString(term)
		buffer.Reset()
		bufferTerm = ""
	}

	for _, line := range splitLines(masked) {
		content := strings.TrimRight(line, "\r\n")
		term := line[len(content):]

		if isSingleChar(content) {
			buffer.WriteString(content)
			if term != "" {
				bufferTerm = term
			}
			continue
		}
		flush()
		out.WriteString(line)
	}
	flush()
	return out.String()
}

func isSingleChar(s string) bool {
	n := 0
	for range s {
		n++
		if n > 1 {
			return false
		}
	}
	return n == 1
}

// splitLines splits s after each "\n", "\r\n" or lone "\r", keeping the
// terminators. A final line without terminator is included.
func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			lines = append(lines, s[start:i+1])
			start = i + 1
		case '\r':
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

package cipoller

import (
	"bufio"
	"strings"
)

// LogAnalysis is what a job log scan found. Failed is set when the log
// carries error markers or a non-zero failure count.
type LogAnalysis struct {
	Groups   []string `json:"groups,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Failed   bool     `json:"failed"`
}

// Summary compresses the analysis into one line for error records.
func (a LogAnalysis) Summary() string {
	if len(a.Errors) > 0 {
		return a.Errors[0]
	}
	if a.Failed {
		return "job log reports failures"
	}
	return ""
}

// AnalyzeJobLog scans a CI job log for workflow command markers. Every line
// carries a leading timestamp, so markers are matched anywhere in the line.
func AnalyzeJobLog(text string) LogAnalysis {
	var out LogAnalysis
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), maxLogBytes)
	for sc.Scan() {
		line := sc.Text()
		if marker, msg, ok := splitMarker(line); ok {
			switch marker {
			case "group":
				out.Groups = append(out.Groups, msg)
			case "error":
				out.Errors = append(out.Errors, msg)
				out.Failed = true
			case "warning":
				out.Warnings = append(out.Warnings, msg)
			}
			continue
		}
		if mentionsFailure(strings.ToLower(line)) {
			out.Failed = true
		}
	}
	return out
}

// splitMarker extracts a ##[name]message workflow command from the line.
func splitMarker(line string) (marker, msg string, ok bool) {
	start := strings.Index(line, "##[")
	if start < 0 {
		return "", "", false
	}
	rest := line[start+len("##["):]
	end := strings.Index(rest, "]")
	if end < 0 {
		return "", "", false
	}
	return rest[:end], strings.TrimSpace(rest[end+1:]), true
}

// mentionsFailure reports whether the line talks about failures with a
// non-zero count. Summaries like "0 failed" stay clean.
func mentionsFailure(lower string) bool {
	idx := 0
	for {
		j := strings.Index(lower[idx:], "failed")
		if j < 0 {
			return false
		}
		j += idx
		if !precededByLoneZero(lower, j) {
			return true
		}
		idx = j + len("failed")
	}
}

func precededByLoneZero(s string, idx int) bool {
	i := idx - 1
	for i >= 0 && s[i] == ' ' {
		i--
	}
	if i < 0 || s[i] != '0' {
		return false
	}
	return i == 0 || s[i-1] < '0' || s[i-1] > '9'
}

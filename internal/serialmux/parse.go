package serialmux

import "strings"

// Line kinds sent by the DAQ bridge firmware.
const (
	LineAck     = "ack"
	LineError   = "error"
	LineDone    = "done"
	LineInfo    = "info"
	LineUnknown = "unknown"
)

// ClassifyLine inspects a line from the bridge and returns its kind. Replies
// are "OK [detail]", "ERR <message>", the asynchronous "DONE" when a
// generation finishes, and "# ..." informational chatter.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case line == "OK" || strings.HasPrefix(line, "OK "):
		return LineAck
	case line == "ERR" || strings.HasPrefix(line, "ERR "):
		return LineError
	case line == "DONE":
		return LineDone
	case strings.HasPrefix(line, "#"):
		return LineInfo
	default:
		return LineUnknown
	}
}

// LineDetail returns the text after the leading keyword of a reply.
func LineDetail(line string) string {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}

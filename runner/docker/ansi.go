package docker

import (
	"io"
	"regexp"
)

// matches ANSI escape codes (color codes, cursor movement)
const ansi = "[\u001B\u009B][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?\u0007)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRe = regexp.MustCompile(ansi)

// stripANSI wraps a writer so persisted job logs stay free of
// terminal escape sequences.
func stripANSI(w io.Writer) io.Writer {
	return &ansiStrippingWriter{underlying: w}
}

type ansiStrippingWriter struct {
	underlying io.Writer
}

func (w *ansiStrippingWriter) Write(p []byte) (int, error) {
	clean := ansiRe.ReplaceAll(p, nil)
	if _, err := w.underlying.Write(clean); err != nil {
		return 0, err
	}
	// report the original length; the stripped bytes are consumed
	return len(p), nil
}

// Package common provides the shared logging infrastructure.
//
// Error-level entries are written to stderr and everything else to stdout,
// so the two streams can be collected separately when running under a
// supervisor or in a container.
package common

import (
	"bytes"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines by level: error, fatal and panic
// entries go to Stderr, all others to Stdout. Nil writers fall back to the
// process streams.
//
// Example Usage:
//
//	logger := logrus.New()
//	logger.SetOutput(&OutputSplitter{})
//
//	logger.Info("This goes to stdout")
//	logger.Error("This goes to stderr")
type OutputSplitter struct {
	Stdout io.Writer
	Stderr io.Writer
}

var errorMarkers = [][]byte{
	[]byte("level=error"),
	[]byte("level=fatal"),
	[]byte("level=panic"),
	[]byte(`"level":"error"`),
	[]byte(`"level":"fatal"`),
	[]byte(`"level":"panic"`),
}

// Write implements io.Writer
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if isErrorLine(p) {
		if splitter.Stderr != nil {
			return splitter.Stderr.Write(p)
		}
		return os.Stderr.Write(p)
	}
	if splitter.Stdout != nil {
		return splitter.Stdout.Write(p)
	}
	return os.Stdout.Write(p)
}

func isErrorLine(p []byte) bool {
	for _, marker := range errorMarkers {
		if bytes.Contains(p, marker) {
			return true
		}
	}
	return false
}

// Logger is the process-wide logger used when a component is not given one
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

package child

import (
	"bufio"
	"io"

	"github.com/oriys/pwproxy/internal/logging"
)

// stderrSink pipes a child's stderr into structured logging line by line,
// so a crashing playwright-mcp process's diagnostics end up alongside the
// rest of the proxy's operational log instead of being discarded.
type stderrSink struct {
	pw *io.PipeWriter
}

func newStderrSink(pool, instance string) io.Writer {
	pr, pw := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 4096), 1<<20)
		for scanner.Scan() {
			logging.Op().Debug("child stderr", "pool", pool, "instance", instance, "line", scanner.Text())
		}
	}()
	return &stderrSink{pw: pw}
}

func (s *stderrSink) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

// Close lets exec.Cmd close our side of the pipe once the child exits,
// so the scanning goroutine in newStderrSink terminates instead of
// leaking for the life of the process.
func (s *stderrSink) Close() error {
	return s.pw.Close()
}

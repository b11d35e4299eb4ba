package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.WriteCloser
}

func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return wc.w.Write([]byte(s))
}

func (wc *WriteCloser) Close() error {
	return wc.w.Close()
}

// Printer writes indented, human-facing text to every hook. It is safe for
// concurrent use; call-state and roster updates arrive from other goroutines
// while the command loop is printing.
type Printer struct {
	mu     sync.Mutex
	indStr string
	hooks  []StringWriteCloser
}

func NewPrinter(indentString string, hooks ...StringWriteCloser) (*Printer, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Printer{indStr: indentString, hooks: hooks}, nil
}

func (p *Printer) Write(s string, ind int) error {
	return p.write(s, ind, false)
}

func (p *Printer) Writeln(s string, ind int) error {
	return p.write(s, ind, true)
}

func (p *Printer) Writef(ind int, format string, args ...any) error {
	return p.write(fmt.Sprintf(format, args...), ind, true)
}

func (p *Printer) write(s string, ind int, newline bool) error {
	indent := strings.Repeat(p.indStr, ind)
	var b strings.Builder
	first := true
	for line := range strings.SplitSeq(s, "\n") {
		if !first {
			b.WriteString("\n")
		}
		first = false
		b.WriteString(indent)
		b.WriteString(line)
	}
	if newline {
		b.WriteString("\n")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hook := range p.hooks {
		if _, err := hook.WriteString(b.String()); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, hook := range p.hooks {
		if err := hook.Close(); err != nil {
			errs = append(errs, fmt.Errorf("on closing hook: %w", err))
		}
	}
	return errors.Join(errs...)
}

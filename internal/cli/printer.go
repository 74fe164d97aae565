package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jasonkneen/claudesky/pkg/stream"
)

const maxToolOutput = 200

// eventPrinter renders session events as terminal text. Turn ends are
// signalled on turns.
type eventPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
	midLine bool

	turns chan struct{}
}

func newEventPrinter(out io.Writer, verbose bool) *eventPrinter {
	return &eventPrinter{
		out:     out,
		verbose: verbose,
		turns:   make(chan struct{}, 1),
	}
}

func (p *eventPrinter) handle(ev stream.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := ev.(type) {
	case stream.TextChunk:
		p.write(e.Text)

	case stream.ThinkingStart:
		if p.verbose {
			p.writeLine("[thinking]")
		}

	case stream.ThinkingChunk:
		if p.verbose {
			p.write(e.Delta)
		}

	case stream.ToolUseStart:
		p.writeLine("[tool] " + e.Name)

	case stream.ToolResultStart:
		p.toolResult(e.Content, e.IsError)

	case stream.ToolResultComplete:
		p.toolResult(e.Content, e.IsError != nil && *e.IsError)

	case stream.SessionInit:
		if p.verbose {
			resumed := ""
			if e.Resumed {
				resumed = " (resumed)"
			}
			p.writeLine("[session] " + e.SessionID + resumed)
		}

	case stream.MessageComplete:
		if e.IsError {
			p.writeLine("[error] " + e.Result)
		} else {
			p.endLine()
		}
		if p.verbose {
			p.writeLine(fmt.Sprintf("[%s] %dms, %d in / %d out tokens, $%.4f",
				e.Subtype, e.DurationMS, e.Usage.InputTokens, e.Usage.OutputTokens, e.TotalCostUSD))
		}
		p.signal()

	case stream.MessageStopped:
		p.writeLine("[interrupted]")
		p.signal()

	case stream.Error:
		p.writeLine("[error] " + e.Message)
		p.signal()

	case stream.DebugMessage:
		if p.verbose {
			p.writeLine("[debug] " + e.Text)
		}
	}
}

func (p *eventPrinter) toolResult(content string, isError bool) {
	switch {
	case isError:
		p.writeLine("[tool error] " + truncate(content, maxToolOutput))
	case p.verbose:
		p.writeLine("[tool result] " + truncate(content, maxToolOutput))
	}
}

func (p *eventPrinter) signal() {
	select {
	case p.turns <- struct{}{}:
	default:
	}
}

// resetTurn drops turn ends left over from the previous turn
func (p *eventPrinter) resetTurn() {
	for {
		select {
		case <-p.turns:
		default:
			return
		}
	}
}

func (p *eventPrinter) prompt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endLine()
	p.write("> ")
}

// inputRead records that the terminal echoed the user's newline
func (p *eventPrinter) inputRead() {
	p.mu.Lock()
	p.midLine = false
	p.mu.Unlock()
}

func (p *eventPrinter) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLine(s)
}

// caller holds p.mu
func (p *eventPrinter) write(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(p.out, s)
	p.midLine = !strings.HasSuffix(s, "\n")
}

// caller holds p.mu
func (p *eventPrinter) writeLine(s string) {
	p.endLine()
	fmt.Fprintln(p.out, s)
}

// caller holds p.mu
func (p *eventPrinter) endLine() {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

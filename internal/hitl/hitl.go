// Package hitl collects answers from a human while a procedure runs.
package hitl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
)

var ErrCancelled = errors.New("human input cancelled")

type Request struct {
	Prompt  string
	Options []string
}

// Handler answers Human.ask calls.
type Handler interface {
	Ask(ctx context.Context, req Request) (string, error)
}

var (
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	optionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

// CLIHandler prompts on a terminal and reads one line per answer.
type CLIHandler struct {
	w   io.Writer
	log zerolog.Logger

	mu    sync.Mutex
	lines chan lineResult
	once  sync.Once
	r     *bufio.Reader
}

type lineResult struct {
	text string
	err  error
}

func NewCLIHandler(r io.Reader, w io.Writer, log zerolog.Logger) *CLIHandler {
	return &CLIHandler{
		w:     w,
		log:   log,
		lines: make(chan lineResult),
		r:     bufio.NewReader(r),
	}
}

// Ask shows the prompt and waits for a valid answer. With options, the
// answer is either the option number or its text. EOF and ctx cancellation
// return ErrCancelled.
func (c *CLIHandler) Ask(ctx context.Context, req Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.once.Do(func() { go c.readLines() })

	c.render(req)
	for {
		fmt.Fprint(c.w, "> ")
		var line lineResult
		var open bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.w)
			return "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case line, open = <-c.lines:
		}
		if !open {
			return "", ErrCancelled
		}
		if line.err != nil {
			return "", fmt.Errorf("failed to read input: %w", line.err)
		}

		answer, ok := pick(req.Options, line.text)
		if ok {
			c.log.Debug().Str("prompt", req.Prompt).Str("answer", answer).Msg("Human answered")
			return answer, nil
		}
		fmt.Fprintln(c.w, warnStyle.Render(fmt.Sprintf("Invalid choice %q, pick 1-%d", line.text, len(req.Options))))
	}
}

// readLines feeds c.lines so a pending read survives a cancelled Ask. The
// channel is closed once input ends; a read error other than EOF is
// delivered first.
func (c *CLIHandler) readLines() {
	defer close(c.lines)
	for {
		text, err := c.r.ReadString('\n')
		if text != "" {
			c.lines <- lineResult{text: strings.TrimRight(text, "\r\n")}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.lines <- lineResult{err: err}
			}
			return
		}
	}
}

func (c *CLIHandler) render(req Request) {
	fmt.Fprintln(c.w)
	fmt.Fprintln(c.w, promptStyle.Render(req.Prompt))
	for i, opt := range req.Options {
		fmt.Fprintln(c.w, optionStyle.Render(fmt.Sprintf("  %d) %s", i+1, opt)))
	}
}

func pick(options []string, input string) (string, bool) {
	input = strings.TrimSpace(input)
	if len(options) == 0 {
		return input, true
	}
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], true
	}
	for _, opt := range options {
		if strings.EqualFold(opt, input) {
			return opt, true
		}
	}
	return "", false
}

// AutoHandler answers without a human: Answer when set, otherwise the first
// option, otherwise an empty string.
type AutoHandler struct {
	Answer string
}

func (a AutoHandler) Ask(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if a.Answer != "" {
		return a.Answer, nil
	}
	if len(req.Options) > 0 {
		return req.Options[0], nil
	}
	return "", nil
}

// Cancelled refuses every question. It is the default when no handler is
// configured.
type Cancelled struct{}

func (Cancelled) Ask(context.Context, Request) (string, error) { return "", ErrCancelled }

package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// consolePrompt asks the operator on a terminal. Answers are given by number
// or by the option text.
type consolePrompt struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newConsolePrompt(in io.Reader, out io.Writer) *consolePrompt {
	return &consolePrompt{in: bufio.NewReader(in), out: out}
}

// Ask blocks until a valid answer is read. On end of input the first
// option is returned.
func (c *consolePrompt) Ask(title, message string, options []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(options) == 0 {
		return ""
	}

	fmt.Fprintf(c.out, "\n%s\n%s\n", title, message)
	for i, o := range options {
		fmt.Fprintf(c.out, "  %d) %s\n", i+1, o)
	}

	for {
		fmt.Fprint(c.out, "> ")
		line, err := c.in.ReadString('\n')
		if answer, ok := match(strings.TrimSpace(line), options); ok {
			return answer
		}
		if err != nil {
			return options[0]
		}
		fmt.Fprintf(c.out, "Please answer 1-%d\n", len(options))
	}
}

func match(answer string, options []string) (string, bool) {
	if answer == "" {
		return "", false
	}
	if n, err := strconv.Atoi(answer); err == nil {
		if n >= 1 && n <= len(options) {
			return options[n-1], true
		}
		return "", false
	}
	for _, o := range options {
		if strings.EqualFold(o, answer) {
			return o, true
		}
	}
	return "", false
}

// internal/trainer/prompter.go
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// StuckReport describes a stalled training attempt to the operator.
type StuckReport struct {
	Attempt       int
	MaxAttempts   int
	Iteration     int
	Reason        string
	Detail        string
	RecentActions []string
}

// HumanPrompter asks the operator what the agent should try instead. It is
// the one call in the system allowed to block indefinitely.
type HumanPrompter interface {
	AskGuidance(ctx context.Context, report StuckReport) (string, error)
}

// ErrPromptClosed is returned when the operator closes the input stream.
var ErrPromptClosed = errors.New("guidance prompt closed")

// quitWords cancel training when given as the guidance answer.
var quitWords = map[string]bool{"quit": true, "exit": true, "stop": true}

// IsQuit reports whether answer asks to stop training.
func IsQuit(answer string) bool {
	return quitWords[strings.ToLower(strings.TrimSpace(answer))]
}

// ReadlinePrompter reads guidance from the terminal with line editing and
// history.
type ReadlinePrompter struct {
	rl *readline.Instance
}

var _ HumanPrompter = (*ReadlinePrompter)(nil)

// NewReadlinePrompter opens the terminal. historyFile may be empty.
func NewReadlinePrompter(historyFile string, stdin io.ReadCloser, stdout, stderr io.Writer) (*ReadlinePrompter, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "hint> ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "quit",
		HistorySearchFold: true,
		UniqueEditLine:    true,
		Stdin:             readline.NewCancelableStdin(stdin),
		Stdout:            stdout,
		Stderr:            stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize readline: %w", err)
	}
	return &ReadlinePrompter{rl: rl}, nil
}

// AskGuidance prints the stuck report and reads one answer line. Ctrl+D
// yields ErrPromptClosed; Ctrl+C yields "quit".
func (p *ReadlinePrompter) AskGuidance(ctx context.Context, report StuckReport) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	w := p.rl.Stdout()
	fmt.Fprintln(w, strings.Repeat("=", 70))
	fmt.Fprintf(w, "PAUSED - agent appears stuck (attempt %d/%d, iteration %d)\n", report.Attempt, report.MaxAttempts, report.Iteration)
	fmt.Fprintf(w, "Reason: %s\n", report.Reason)
	if report.Detail != "" {
		fmt.Fprintf(w, "Detail: %s\n", report.Detail)
	}
	if len(report.RecentActions) > 0 {
		fmt.Fprintln(w, "Recent actions:")
		for i, a := range report.RecentActions {
			fmt.Fprintf(w, "  %d. %s\n", i+1, a)
		}
	}
	fmt.Fprintln(w, strings.Repeat("=", 70))
	fmt.Fprintln(w, "What should I try instead? (or 'quit' to stop)")

	// Readline has no context support; closing the instance unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.rl.Close()
		case <-done:
		}
	}()

	line, err := p.rl.Readline()
	switch {
	case errors.Is(err, readline.ErrInterrupt):
		return "quit", nil
	case errors.Is(err, io.EOF):
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", ErrPromptClosed
	case err != nil:
		return "", fmt.Errorf("failed to read guidance: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// Close releases the terminal.
func (p *ReadlinePrompter) Close() error {
	return p.rl.Close()
}

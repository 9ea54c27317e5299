package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dshills/stageflow/pipeline"
)

// stdinAsker collects human responses from the terminal. EOF or a
// context timeout returns ErrNoResponse so the run pauses gracefully.
type stdinAsker struct {
	in  io.Reader
	out io.Writer
}

func newStdinAsker() *stdinAsker {
	return &stdinAsker{in: os.Stdin, out: os.Stdout}
}

type askResult struct {
	responses map[string]string
	err       error
}

// Ask prints the trigger and questions and reads one line per question.
func (a *stdinAsker) Ask(ctx context.Context, trigger string, questions []string) (map[string]string, error) {
	fmt.Fprintf(a.out, "\n== human input needed (%s) ==\n", trigger)

	done := make(chan askResult, 1)
	go func() {
		reader := bufio.NewReader(a.in)
		responses := make(map[string]string, len(questions))
		for _, q := range questions {
			fmt.Fprintf(a.out, "%s\n> ", q)
			line, err := reader.ReadString('\n')
			line = strings.TrimSpace(line)
			if line != "" {
				responses[q] = line
			}
			if err != nil {
				break
			}
		}
		if len(responses) == 0 {
			done <- askResult{err: pipeline.ErrNoResponse}
			return
		}
		done <- askResult{responses: responses}
	}()

	select {
	case res := <-done:
		return res.responses, res.err
	case <-ctx.Done():
		fmt.Fprintln(a.out, "\n(timed out waiting for input)")
		return nil, pipeline.ErrNoResponse
	}
}

package worker

import (
	"context"
	"sync"
)

// MockWorker returns scripted results per kind, recording every
// invocation. Intended for tests and dry runs.
type MockWorker struct {
	mu      sync.Mutex
	results map[string][]Result
	err     map[string]error
	calls   []MockCall
}

// MockCall records one Invoke.
type MockCall struct {
	Kind   string
	System string
	Prompt string
}

// NewMockWorker creates an empty mock. Kinds with no scripted result
// return an approve verdict.
func NewMockWorker() *MockWorker {
	return &MockWorker{
		results: make(map[string][]Result),
		err:     make(map[string]error),
	}
}

// Script queues results for a kind, consumed in order; the last one
// repeats once the queue drains.
func (m *MockWorker) Script(kind string, results ...Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[kind] = append(m.results[kind], results...)
}

// Fail makes every invocation of kind return err.
func (m *MockWorker) Fail(kind string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err[kind] = err
}

// Calls returns a copy of the recorded invocations.
func (m *MockWorker) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Invoke implements Worker.
func (m *MockWorker) Invoke(_ context.Context, kind, system, prompt string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Kind: kind, System: system, Prompt: prompt})

	if err, ok := m.err[kind]; ok && err != nil {
		return Result{}, err
	}
	queue := m.results[kind]
	if len(queue) == 0 {
		return Result{Verdict: VerdictApprove}, nil
	}
	res := queue[0]
	if len(queue) > 1 {
		m.results[kind] = queue[1:]
	}
	return res, nil
}

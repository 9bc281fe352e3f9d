// Package transport defines the external collaborators the engine consumes
// (LLM text transport, judge evaluator) and the assembly collaborator it
// hands aggregation output to, plus deterministic in-memory fakes used by
// tests. Grounded on the teacher's internal/dispatch/backend.go Backend
// interface shape, adapted from "process dispatch" to "LLM call".
package transport

import (
	"context"
	"fmt"
)

// Usage is the token accounting an LLM call may return.
type Usage struct {
	TotalTokens  int
	InputTokens  int
	OutputTokens int
}

// Result is what a transport call returns on success.
type Result struct {
	Text  string
	Usage *Usage // nil when the provider did not report usage
}

// LLM is the consumed LLM text transport.
type LLM interface {
	Execute(ctx context.Context, modelID, prompt string) (Result, error)
}

// JudgeResult is the optional judge evaluator's verdict.
type JudgeResult struct {
	Status  string
	Overall float64
	Dimensions map[string]float64
	Compliance bool
	CostUSD float64
}

// Judge is the consumed, optional judge evaluator.
type Judge interface {
	Evaluate(ctx context.Context, taskType, directive, outputText string) (JudgeResult, error)
}

// AssemblyResult is what the assembly collaborator reports back.
type AssemblyResult struct {
	CompilationSuccess bool
	FileCount          int
	Error              string
}

// Assembler is the consumed deliverable-assembly collaborator.
type Assembler interface {
	Assemble(ctx context.Context, packageID, content string) (AssemblyResult, error)
}

// FakeLLM is a deterministic in-memory LLM transport for tests: it returns
// a fixed Result per (modelID, prompt) pair, as spec §8's determinism
// property requires, falling back to a default canned response.
type FakeLLM struct {
	Responses map[string]Result // key: modelID+"\x00"+prompt
	Default   Result
	Err       map[string]error
}

// NewFakeLLM returns an empty FakeLLM with a generic default response.
func NewFakeLLM() *FakeLLM {
	return &FakeLLM{
		Responses: make(map[string]Result),
		Default:   Result{Text: "ok", Usage: &Usage{TotalTokens: 900, InputTokens: 300, OutputTokens: 600}},
		Err:       make(map[string]error),
	}
}

func fakeKey(modelID, prompt string) string {
	return modelID + "\x00" + prompt
}

// SetResponse registers a fixed response for an exact (modelID, prompt) pair.
func (f *FakeLLM) SetResponse(modelID, prompt string, result Result) {
	f.Responses[fakeKey(modelID, prompt)] = result
}

// SetError registers an error to return for an exact (modelID, prompt) pair.
func (f *FakeLLM) SetError(modelID, prompt string, err error) {
	f.Err[fakeKey(modelID, prompt)] = err
}

// Execute implements LLM.
func (f *FakeLLM) Execute(_ context.Context, modelID, prompt string) (Result, error) {
	key := fakeKey(modelID, prompt)
	if err, ok := f.Err[key]; ok {
		return Result{}, err
	}
	if r, ok := f.Responses[key]; ok {
		return r, nil
	}
	return f.Default, nil
}

// FakeJudge is a deterministic in-memory judge for tests.
type FakeJudge struct {
	Result JudgeResult
	Err    error
}

// Evaluate implements Judge.
func (f *FakeJudge) Evaluate(_ context.Context, _, _, _ string) (JudgeResult, error) {
	if f.Err != nil {
		return JudgeResult{}, f.Err
	}
	return f.Result, nil
}

// FakeAssembler is a deterministic in-memory assembler for tests.
type FakeAssembler struct {
	Result AssemblyResult
	Err    error
}

// Assemble implements Assembler.
func (f *FakeAssembler) Assemble(_ context.Context, packageID, _ string) (AssemblyResult, error) {
	if f.Err != nil {
		return AssemblyResult{}, fmt.Errorf("assemble %s: %w", packageID, f.Err)
	}
	return f.Result, nil
}

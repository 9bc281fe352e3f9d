package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeLLM_ReturnsRegisteredResponseForExactPair(t *testing.T) {
	f := NewFakeLLM()
	f.SetResponse("model-a", "prompt-1", Result{Text: "hello"})

	got, err := f.Execute(context.Background(), "model-a", "prompt-1")

	require.NoError(t, err)
	require.Equal(t, "hello", got.Text)
}

func TestFakeLLM_FallsBackToDefaultForUnregisteredPair(t *testing.T) {
	f := NewFakeLLM()
	f.SetResponse("model-a", "prompt-1", Result{Text: "hello"})

	got, err := f.Execute(context.Background(), "model-a", "different-prompt")

	require.NoError(t, err)
	require.Equal(t, f.Default.Text, got.Text)
}

func TestFakeLLM_DistinguishesPromptsForSameModel(t *testing.T) {
	f := NewFakeLLM()
	f.SetResponse("model-a", "prompt-1", Result{Text: "one"})
	f.SetResponse("model-a", "prompt-2", Result{Text: "two"})

	r1, _ := f.Execute(context.Background(), "model-a", "prompt-1")
	r2, _ := f.Execute(context.Background(), "model-a", "prompt-2")

	require.Equal(t, "one", r1.Text)
	require.Equal(t, "two", r2.Text)
}

func TestFakeLLM_ReturnsRegisteredError(t *testing.T) {
	f := NewFakeLLM()
	wantErr := errors.New("transport down")
	f.SetError("model-a", "prompt-1", wantErr)

	_, err := f.Execute(context.Background(), "model-a", "prompt-1")

	require.ErrorIs(t, err, wantErr)
}

func TestFakeJudge_ReturnsConfiguredResult(t *testing.T) {
	j := &FakeJudge{Result: JudgeResult{Overall: 0.8, Compliance: true}}

	got, err := j.Evaluate(context.Background(), "coding", "directive", "output")

	require.NoError(t, err)
	require.InDelta(t, 0.8, got.Overall, 1e-9)
	require.True(t, got.Compliance)
}

func TestFakeJudge_ReturnsConfiguredError(t *testing.T) {
	wantErr := errors.New("judge unavailable")
	j := &FakeJudge{Err: wantErr}

	_, err := j.Evaluate(context.Background(), "coding", "directive", "output")

	require.ErrorIs(t, err, wantErr)
}

func TestFakeAssembler_WrapsErrorWithPackageID(t *testing.T) {
	a := &FakeAssembler{Err: errors.New("boom")}

	_, err := a.Assemble(context.Background(), "pkg-1", "content")

	require.ErrorContains(t, err, "pkg-1")
	require.ErrorContains(t, err, "boom")
}

func TestFakeAssembler_ReturnsConfiguredResultOnSuccess(t *testing.T) {
	a := &FakeAssembler{Result: AssemblyResult{CompilationSuccess: true, FileCount: 3}}

	got, err := a.Assemble(context.Background(), "pkg-1", "content")

	require.NoError(t, err)
	require.True(t, got.CompilationSuccess)
	require.Equal(t, 3, got.FileCount)
}

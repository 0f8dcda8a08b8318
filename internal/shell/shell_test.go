package shell

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/hexops/autogold/v2"
)

func TestScript(t *testing.T) {
	var out bytes.Buffer
	dir := t.TempDir()
	err := Script([]string{"export GREETING=hello", "echo $GREETING $NAME", "pwd"}, WorkDir(dir), Env("NAME", "world"))(context.Background(), &out)
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("$ export GREETING=hello\n$ echo $GREETING $NAME\nhello world\n$ pwd\n" + dir + "\n").Equal(t, out.String())
}

func TestScriptStopsAtFailure(t *testing.T) {
	var out bytes.Buffer
	err := Script([]string{"echo one", "exit 3", "echo two"})(context.Background(), &out)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	autogold.Expect(3).Equal(t, exitErr.Code)
	autogold.Expect("$ echo one\none\n$ exit 3\n").Equal(t, out.String())
}

func TestScriptCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Script([]string{"sleep 10"})(ctx, &bytes.Buffer{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExecArgs(t *testing.T) {
	var out bytes.Buffer
	err := ExecArgs("echo", []string{"hello world"})(context.Background(), &out)
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("$ echo 'hello world'\nhello world\n").Equal(t, out.String())
}

func TestSequenceIgnoreError(t *testing.T) {
	var out bytes.Buffer
	err := Sequence(
		ExecArgs("false", nil).IgnoreError(),
		ExecArgs("echo", []string{"after"}),
	)(context.Background(), &out)
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("$ false\nignoring error: 'false': error: exit code: 1\n$ echo after\nafter\n").Equal(t, out.String())
}

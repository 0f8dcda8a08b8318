package errors

import (
	"io"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "Open") != nil {
		t.Fatal("expected nil")
	}
	err := Wrap(io.EOF, "Read")
	if err.Error() != "Read: EOF" {
		t.Fatalf("got %q", err.Error())
	}
	if !Is(err, io.EOF) {
		t.Fatal("expected wrapped error to match io.EOF")
	}
	err = Wrapf(err, "job %d", 5)
	if err.Error() != "job 5: Read: EOF" {
		t.Fatalf("got %q", err.Error())
	}
}

package trace

import (
	"errors"
	"testing"

	"github.com/hexops/autogold/v2"
)

func TestAppendAt(t *testing.T) {
	s := &Store{Dir: t.TempDir()}
	b := s.Buffer(1)

	res, err := b.AppendAt(0, []byte("BUILD TRACE"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.Length != 11 {
		t.Fatalf("got %+v", res)
	}

	// Offset past the end is rejected with the real length.
	_, err = b.AppendAt(8, []byte(" appended text"))
	var rangeErr *RangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("expected RangeError, got %v", err)
	}
	autogold.Expect("0-11").Equal(t, rangeErr.Header())

	// Offset before the end with different bytes is rejected too.
	_, err = b.AppendAt(3, []byte("XX"))
	if !errors.As(err, &rangeErr) || rangeErr.Length != 11 {
		t.Fatalf("expected RangeError, got %v", err)
	}

	// Exact retransmission is accepted and changes nothing.
	res, err = b.AppendAt(6, []byte("TRACE"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed || res.Length != 11 {
		t.Fatalf("got %+v", res)
	}

	// Empty append at the end is a no-op.
	res, err = b.AppendAt(11, nil)
	if err != nil || res.Changed {
		t.Fatalf("got %+v %v", res, err)
	}

	res, err = b.AppendAt(11, []byte(" appended"))
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect(int64(20)).Equal(t, res.Length)

	data, err := b.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect("BUILD TRACE appended").Equal(t, string(data))
}

func TestLengthNeverDecreases(t *testing.T) {
	s := &Store{Dir: t.TempDir()}
	b := s.Buffer(2)
	var last int64
	for _, step := range []struct {
		offset int64
		data   string
	}{
		{0, "abc"}, {5, "x"}, {3, "def"}, {0, "abc"}, {1, "zz"}, {6, "g"},
	} {
		_, _ = b.AppendAt(step.offset, []byte(step.data))
		length, err := b.Len()
		if err != nil {
			t.Fatal(err)
		}
		if length < last {
			t.Fatalf("length went from %d to %d", last, length)
		}
		last = length
	}
	autogold.Expect(int64(7)).Equal(t, last)
}

func TestReplaceAndChecksum(t *testing.T) {
	s := &Store{Dir: t.TempDir()}
	b := s.Buffer(3)
	if _, err := b.AppendAt(0, []byte("partial")); err != nil {
		t.Fatal(err)
	}
	if err := b.Replace([]byte("full trace")); err != nil {
		t.Fatal(err)
	}
	data, _ := b.ReadAll()
	autogold.Expect("full trace").Equal(t, string(data))
	sum, err := b.Checksum()
	if err != nil {
		t.Fatal(err)
	}
	autogold.Expect(Checksum([]byte("full trace"))).Equal(t, sum)
	if err := b.Remove(); err != nil {
		t.Fatal(err)
	}
	if n, _ := b.Len(); n != 0 {
		t.Fatalf("len %d after Remove", n)
	}
}

func TestTryLock(t *testing.T) {
	s := &Store{Dir: t.TempDir()}
	unlock, ok := s.TryLock(1)
	if !ok {
		t.Fatal("expected lock")
	}
	if _, ok := s.TryLock(1); ok {
		t.Fatal("second writer must not get the lock")
	}
	if _, ok := s.TryLock(2); !ok {
		t.Fatal("locks are per job")
	}
	unlock()
	if _, ok := s.TryLock(1); !ok {
		t.Fatal("expected lock after unlock")
	}
}

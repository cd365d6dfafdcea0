package audio

import (
	"errors"
	"math/rand"
	"testing"
)

func TestBufferAccountsAppendedBytes(t *testing.T) {
	b := NewBuffer(0)
	for _, n := range []int{100, 50, 200} {
		if err := b.Append(make([]byte, n)); err != nil {
			t.Fatalf("Append(%d) error = %v", n, err)
		}
	}
	if b.Len() != 350 {
		t.Fatalf("Len() = %d, want 350", b.Len())
	}
	got := b.Commit()
	if len(got) != 350 {
		t.Fatalf("len(Commit()) = %d, want 350", len(got))
	}
	if b.Len() != 0 {
		t.Fatalf("Len() after commit = %d, want 0", b.Len())
	}
}

func TestBufferRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := NewBuffer(1 << 16)
	want := 0
	for i := 0; i < 5000; i++ {
		switch rng.Intn(10) {
		case 0:
			got := b.Commit()
			if len(got) != want {
				t.Fatalf("step %d: committed %d bytes, want %d", i, len(got), want)
			}
			want = 0
		case 1:
			b.Clear()
			want = 0
		default:
			n := rng.Intn(4096)
			err := b.Append(make([]byte, n))
			if want+n > b.Cap() {
				if !errors.Is(err, ErrBufferFull) {
					t.Fatalf("step %d: Append() error = %v, want ErrBufferFull", i, err)
				}
				break
			}
			if err != nil {
				t.Fatalf("step %d: Append() error = %v", i, err)
			}
			want += n
		}
		if b.Len() != want {
			t.Fatalf("step %d: Len() = %d, want %d", i, b.Len(), want)
		}
	}
}

func TestBufferRejectsPastCap(t *testing.T) {
	b := NewBuffer(10)
	if err := b.Append(make([]byte, 8)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := b.Append(make([]byte, 3)); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Append() error = %v, want ErrBufferFull", err)
	}
	if b.Len() != 8 {
		t.Fatalf("Len() = %d, want 8 after rejected append", b.Len())
	}
}

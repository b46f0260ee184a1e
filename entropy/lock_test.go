package entropy

import (
	"errors"
	"testing"
)

func TestLockManagerExhaustion(t *testing.T) {
	lm := NewLockManager(2, 1)

	t1, err := lm.AcquireBuild()
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	t2, err := lm.AcquireBuild()
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if _, err := lm.AcquireBuild(); !errors.Is(err, ErrMaxConcurrency) {
		t.Fatalf("expected ErrMaxConcurrency, got %v", err)
	}

	t1.Release()
	t3, err := lm.AcquireBuild()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	t2.Release()
	t3.Release()
}

func TestLockPoolsIndependent(t *testing.T) {
	lm := NewLockManager(1, 1)
	bt, err := lm.AcquireBuild()
	if err != nil {
		t.Fatalf("build acquire: %v", err)
	}
	defer bt.Release()

	et, err := lm.AcquireExchange()
	if err != nil {
		t.Fatalf("exchange pool must be unaffected by build pool: %v", err)
	}
	et.Release()
}

func TestTokenReleaseIdempotent(t *testing.T) {
	lm := NewLockManager(1, 1)
	tok, err := lm.AcquireBuild()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	tok.Release()
	tok.Release()
	tok.Release()

	// Exactly one slot must have been returned.
	again, err := lm.AcquireBuild()
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if _, err := lm.AcquireBuild(); !errors.Is(err, ErrMaxConcurrency) {
		t.Fatalf("double release leaked a token: %v", err)
	}
	again.Release()
}

func TestNilTokenRelease(t *testing.T) {
	var tok *Token
	tok.Release()
}

package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestRecover_WithPanic tests the Recover function when a panic occurs
func TestRecover_WithPanic(t *testing.T) {
	testFunc := func() (err error) {
		defer Recover(&err, "Fit")
		panic("index out of range")
	}

	err := testFunc()
	if err == nil {
		t.Fatal("Expected error from recovered panic, got nil")
	}

	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("Expected PanicError, got %T", err)
	}
	if panicErr.Operation != "Fit" {
		t.Errorf("Expected operation 'Fit', got '%s'", panicErr.Operation)
	}
	if panicErr.StackTrace == "" {
		t.Error("Expected non-empty stack trace")
	}
	if got := panicErr.Error(); got != "panic in Fit: index out of range" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestRecover_WithoutPanic(t *testing.T) {
	testFunc := func() (err error) {
		defer Recover(&err, "Fit")
		return nil
	}
	if err := testFunc(); err != nil {
		t.Fatalf("Expected no error when no panic occurs, got: %v", err)
	}
}

// TestRecover_WithExistingError tests Recover when function has existing error and panic occurs
func TestRecover_WithExistingError(t *testing.T) {
	originalErr := fmt.Errorf("original error")

	testFunc := func() (err error) {
		defer Recover(&err, "Fit")
		err = originalErr
		panic("panic after error")
	}

	err := testFunc()
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "panic in Fit") {
		t.Errorf("Error message should contain panic info: %s", err)
	}
	if !errors.Is(err, originalErr) {
		t.Error("Should be able to identify original error with errors.Is")
	}
}

func TestSafeExecute(t *testing.T) {
	if err := SafeExecute("op", func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := fmt.Errorf("function error")
	if err := SafeExecute("op", func() error { return want }); err != want {
		t.Fatalf("Expected original error, got: %v", err)
	}

	err := SafeExecute("op", func() error { panic("boom") })
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("Expected PanicError, got %T", err)
	}
}

func TestSafeBackendCall(t *testing.T) {
	t.Run("panic carries epoch and batch", func(t *testing.T) {
		err := SafeBackendCall("fit", 3, 7, func() error { panic("shape mismatch") })

		var be *BackendError
		if !As(err, &be) {
			t.Fatalf("Expected BackendError, got %T", err)
		}
		if be.Epoch != 3 || be.Batch != 7 {
			t.Errorf("expected epoch 3 batch 7, got %d %d", be.Epoch, be.Batch)
		}
		var panicErr *PanicError
		if !As(err, &panicErr) {
			t.Error("BackendError should wrap the PanicError")
		}
		if !strings.Contains(err.Error(), "epoch 3, batch 7") {
			t.Errorf("message should name the batch: %s", err)
		}
	})

	t.Run("returned error outside training loop", func(t *testing.T) {
		cause := New("load failed")
		err := SafeBackendCall("load", -1, -1, func() error { return cause })

		var be *BackendError
		if !As(err, &be) {
			t.Fatalf("Expected BackendError, got %T", err)
		}
		if !Is(err, cause) {
			t.Error("cause should be reachable")
		}
		if strings.Contains(err.Error(), "epoch") {
			t.Errorf("no epoch context expected: %s", err)
		}
	})

	t.Run("existing backend error is not wrapped twice", func(t *testing.T) {
		inner := NewBackendBatchError("fit", 1, 2, New("x"))
		err := SafeBackendCall("fit", 5, 5, func() error { return inner })
		var be *BackendError
		if !As(err, &be) {
			t.Fatal("expected BackendError")
		}
		if be.Epoch != 1 {
			t.Errorf("expected original epoch 1, got %d", be.Epoch)
		}
	})

	t.Run("success", func(t *testing.T) {
		if err := SafeBackendCall("fit", 0, 0, func() error { return nil }); err != nil {
			t.Fatal(err)
		}
	})
}

package credits

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapErrorFormatsAndUnwraps(test *testing.T) {
	test.Parallel()
	wrapped := WrapError("store", "account", "update", ErrConcurrentUpdate)
	if wrapped.Error() != "store.account.update: concurrent account update" {
		test.Fatalf("unexpected message: %s", wrapped.Error())
	}
	if !errors.Is(wrapped, ErrConcurrentUpdate) {
		test.Fatalf("expected wrapped sentinel to be visible")
	}
	var operationError OperationError
	if !errors.As(wrapped, &operationError) || operationError.Code() != "update" {
		test.Fatalf("expected OperationError with code update, got %v", wrapped)
	}
	if WrapError("a", "b", "c", nil) != nil {
		test.Fatalf("wrapping nil must return nil")
	}
}

func TestErrorClassification(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		err       error
		expected  bool
		transient bool
	}{
		{name: "insufficient", err: fmt.Errorf("%w: short", ErrInsufficientCredits), expected: true},
		{name: "not found", err: WrapError("store", "account", "get", ErrAccountNotFound), expected: true},
		{name: "conflict", err: ErrConcurrentUpdate, transient: true},
		{name: "unavailable", err: Transient(errors.New("dial")), transient: true},
		{name: "unknown failure", err: errors.New("commit lost")},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if IsExpected(testCase.err) != testCase.expected {
				test.Fatalf("IsExpected(%v) != %v", testCase.err, testCase.expected)
			}
			if IsTransient(testCase.err) != testCase.transient {
				test.Fatalf("IsTransient(%v) != %v", testCase.err, testCase.transient)
			}
		})
	}
}

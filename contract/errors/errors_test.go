package errors_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	berr "github.com/next-trace/scg-authz-service/contract/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodePublishFailed)
	if e.Error() != berr.ErrCodePublishFailed {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrHandlerExists, berr.ErrCodeHandlerExists},
		{berr.ErrHandlerNotFound, berr.ErrCodeHandlerNotFound},
		{berr.ErrHandlerTypeMismatch, berr.ErrCodeHandlerTypeMismatch},
		{berr.ErrTransportNotConfigured, berr.ErrCodeTransportNotConfigured},
		{berr.ErrPublishFailed, berr.ErrCodePublishFailed},
		{berr.ErrSerializationFailed, berr.ErrCodeSerializationFailed},
		{berr.ErrNotConnected, berr.ErrCodeNotConnected},
		{berr.ErrConnectFailed, berr.ErrCodeConnectFailed},
		{berr.ErrInvalidMessage, berr.ErrCodeInvalidMessage},
		{berr.ErrPermanent, berr.ErrCodePermanent},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, berr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}
	}
}

func TestPermanent(t *testing.T) {
	if berr.Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) must stay nil")
	}

	cause := errors.New("bad payload")
	err := berr.Permanent(cause)

	if !errors.Is(err, cause) || !errors.Is(err, berr.ErrPermanent) {
		t.Fatalf("permanent error lost its chain: %v", err)
	}

	if !berr.IsPermanent(err) {
		t.Fatalf("expected permanent")
	}

	wrapped := fmt.Errorf("dispatch authz.x: %w", berr.ErrHandlerNotFound)
	if !berr.IsPermanent(wrapped) {
		t.Fatalf("missing handler must not be retried")
	}

	if berr.IsPermanent(context.DeadlineExceeded) || berr.IsPermanent(cause) {
		t.Fatalf("plain errors are transient")
	}
}

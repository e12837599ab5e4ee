package resilience

import (
	"context"
	"errors"
	"net"

	"github.com/sells-group/visibility-cli/internal/model"
)

// Kind maps a provider-attempt error onto the failure taxonomy recorded
// in processing metadata. Classification order matters: a timeout inside
// a malformed wrapper is still malformed, because the payload arrived.
func Kind(err error) model.FailureKind {
	if err == nil {
		return ""
	}

	if IsMalformed(err) {
		return model.FailureMalformed
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.FailureTimeout
	}

	return model.FailureTransport
}

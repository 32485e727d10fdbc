package publish

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a publish failure. Kinds are stable strings persisted into
// scheduled_posts.failure_reason, so renaming one is a schema-visible change.
type Kind string

const (
	KindValidation             Kind = "validation_error"
	KindCredentialNotFound     Kind = "credential_not_found"
	KindReauthRequired         Kind = "reauth_required"
	KindUnsupportedPlatform    Kind = "unsupported_platform"
	KindPlatformRejected       Kind = "platform_rejected"
	KindTransientNetwork       Kind = "transient_network"
	KindContainerCreateFailed  Kind = "container_creation_failed"
	KindMediaProcessingFailed  Kind = "media_processing_failed"
	KindMediaProcessingTimeout Kind = "media_processing_timeout"
)

// Error carries a classified kind plus a short snake_case detail suitable for
// logs and the failure_reason column.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if strings.TrimSpace(e.Detail) == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Errf builds a classified error. detail is optional.
func Errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classified kind from err, walking wrapped errors.
// Unclassified errors (raw transport failures, context deadlines) are treated
// as transient so a manual reschedule remains possible.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransientNetwork
	}
	return KindTransientNetwork
}

// classifyHTTP maps a non-2xx platform response to an error kind: 5xx and 429
// are worth a manual reschedule, everything else 4xx is a definitive rejection.
func classifyHTTP(status int, detail string) *Error {
	if status >= 500 || status == 429 || status == 408 {
		return Errf(KindTransientNetwork, "http_%d %s", status, detail)
	}
	return Errf(KindPlatformRejected, "http_%d %s", status, detail)
}

package log

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

var stackOnce sync.Once

// installStackMarshaler makes zerolog emit the cockroachdb/errors stack trace
// under StacktraceKey whenever an event carries .Stack().Err(err).
func installStackMarshaler() {
	stackOnce.Do(func() {
		zerolog.ErrorStackFieldName = StacktraceKey
		zerolog.ErrorStackMarshaler = MarshalStack
	})
}

// MarshalStack extracts the stack trace recorded by cockroachdb/errors.
// Errors without a recorded stack produce nil so that no field is written.
func MarshalStack(err error) interface{} {
	if s := extractStacktrace(err); s != "" {
		return s
	}
	return nil
}

func extractStacktrace(err error) string {
	if err == nil {
		return ""
	}
	safeDetails := errors.GetSafeDetails(err).SafeDetails
	if len(safeDetails) > 0 {
		return safeDetails[0]
	}
	if st := errors.GetReportableStackTrace(err); st != nil && len(st.Frames) > 0 {
		return fmt.Sprintf("%+v", err)
	}
	return ""
}

package encoder

import (
	"fmt"
	"strings"
)

// Assembly stages reported in AssemblyError.
const (
	StageInputs  = "inputs"
	StageSegment = "segment"
	StageConcat  = "concat"
	StageMux     = "mux"
	StageVerify  = "verify"
)

const stderrTailBytes = 2048

// AssemblyError describes a failed encoder step with enough context to debug
// it from the logs alone.
type AssemblyError struct {
	Stage   string
	Files   []string
	Output  string // tail of the encoder's stderr
	Timeout bool
	Err     error
}

func (e *AssemblyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "assembly failed at %s", e.Stage)
	if e.Timeout {
		b.WriteString(" (timed out)")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if len(e.Files) > 0 {
		fmt.Fprintf(&b, " [files: %s]", strings.Join(e.Files, ", "))
	}
	if e.Output != "" {
		fmt.Fprintf(&b, ": %s", e.Output)
	}
	return b.String()
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// UserMessage is safe to show to end users: no paths, no encoder output.
func (e *AssemblyError) UserMessage() string {
	if e.Timeout {
		return fmt.Sprintf("video assembly timed out during the %s step", e.Stage)
	}
	switch e.Stage {
	case StageInputs:
		return "one or more media inputs were missing or empty"
	case StageVerify:
		return "the rendered video failed verification"
	}
	return fmt.Sprintf("video assembly failed during the %s step", e.Stage)
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTailBytes {
		s = "..." + s[len(s)-stderrTailBytes:]
	}
	return s
}

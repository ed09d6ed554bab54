package worker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/makeasinger/choreo/internal/blueprint"
	"github.com/makeasinger/choreo/internal/encoder"
	"github.com/makeasinger/choreo/internal/retry"
	"github.com/makeasinger/choreo/internal/storage"
)

const maxListedViolations = 3

// userMessage turns an internal error into text that can be shown to the
// person who requested the video. It never includes stderr or stack traces.
func userMessage(stage string, err error) string {
	var verrs blueprint.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		shown := verrs
		if len(shown) > maxListedViolations {
			shown = shown[:maxListedViolations]
		}
		parts := make([]string, len(shown))
		for i, v := range shown {
			parts[i] = v.Error()
		}
		msg := "The blueprint is invalid: " + strings.Join(parts, "; ")
		if extra := len(verrs) - len(shown); extra > 0 {
			msg += fmt.Sprintf(" (and %d more)", extra)
		}
		return msg
	}

	var aerr *encoder.AssemblyError
	if errors.As(err, &aerr) {
		return capitalize(aerr.UserMessage())
	}

	var serr *storage.Error
	if errors.As(err, &serr) {
		verb := "download"
		if serr.Op == storage.OpPush {
			verb = "upload"
		}
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return fmt.Sprintf("A media file could not be found (%s failed)", verb)
		case errors.Is(err, storage.ErrPermissionDenied):
			return fmt.Sprintf("Access to media storage was denied (%s failed)", verb)
		case errors.Is(err, storage.ErrInvalidPath):
			return fmt.Sprintf("A media path was rejected by storage (%s failed)", verb)
		case errors.Is(err, retry.ErrExhausted):
			return fmt.Sprintf("Media storage was unavailable after %d attempts (%s failed)", serr.Attempts, verb)
		}
		return fmt.Sprintf("Media %s failed", verb)
	}

	if errors.Is(err, ErrEmptyOutput) {
		return "Video assembly produced an empty file"
	}
	return fmt.Sprintf("Internal error during the %s step", stage)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// sanitize strips local directories that may have leaked into msg.
func sanitize(msg string, dirs ...string) string {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		msg = strings.ReplaceAll(msg, d, "")
	}
	return msg
}

// Package blueprint parses blueprint documents and checks them for missing
// fields, unsafe paths and inconsistent timing before a worker acts on them.
package blueprint

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/makeasinger/choreo/internal/model"
)

// Violation codes
const (
	CodeMalformed = "malformed"
	CodeRequired  = "required"
	CodeRange     = "range"
	CodeOrder     = "order"
	CodeOverlap   = "overlap"
	CodeFormat    = "format"
	CodeTraversal = "path_traversal"
	CodeAbsolute  = "absolute_path"
	CodeNullByte  = "null_byte"
)

// timing slack for float comparisons on the timeline
const tolerance = 1e-3

// ErrInvalid is matched by every non-empty ValidationErrors.
var ErrInvalid = errors.New("invalid blueprint")

// ValidationError is a single violation.
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ValidationErrors collects every violation found in one pass.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "blueprint validation failed: " + strings.Join(msgs, "; ")
}

func (es ValidationErrors) Unwrap() error {
	if len(es) == 0 {
		return nil
	}
	return ErrInvalid
}

// Issues converts the violations to their wire form.
func (es ValidationErrors) Issues() []model.ValidationIssue {
	out := make([]model.ValidationIssue, len(es))
	for i, e := range es {
		out[i] = model.ValidationIssue{Field: e.Field, Code: e.Code, Message: e.Message}
	}
	return out
}

var (
	taskIDPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	resolutionPattern = regexp.MustCompile(`^[0-9]{2,5}x[0-9]{2,5}$`)
	bitratePattern    = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?[kKmM]?$`)
	drivePattern      = regexp.MustCompile(`^[A-Za-z]:[\\/]`)
)

// ValidTaskID reports whether id is safe to use as a file name and a key.
func ValidTaskID(id string) bool {
	return taskIDPattern.MatchString(id)
}

// Validator is safe for concurrent use.
type Validator struct {
	allowedRoot string
	validate    *validator.Validate
}

// NewValidator returns a validator that accepts absolute paths only when they
// sit under allowedRoot. An empty root rejects every absolute path.
func NewValidator(allowedRoot string) *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	if allowedRoot != "" {
		allowedRoot = filepath.Clean(allowedRoot)
	}
	return &Validator{allowedRoot: allowedRoot, validate: v}
}

// Validate decodes raw and returns the blueprint with every violation found.
// The blueprint is nil only when raw is not a JSON object at all.
func (v *Validator) Validate(raw []byte) (*model.Blueprint, ValidationErrors) {
	var bp model.Blueprint
	var errs ValidationErrors

	if err := json.Unmarshal(raw, &bp); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return nil, ValidationErrors{{Code: CodeMalformed, Message: "document is not valid JSON: " + err.Error()}}
		}
		// Decoding continues past type mismatches, so keep what was read.
		errs = append(errs, ValidationError{
			Field:   typeErr.Field,
			Code:    CodeMalformed,
			Message: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		})
	}

	errs = append(errs, v.Check(&bp)...)
	if len(errs) == 0 {
		return &bp, nil
	}
	return &bp, errs
}

// Check validates an already decoded blueprint.
func (v *Validator) Check(bp *model.Blueprint) ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, v.structural(bp)...)

	if bp.TaskID != "" && !taskIDPattern.MatchString(bp.TaskID) {
		errs = append(errs, ValidationError{Field: "task_id", Code: CodeFormat, Message: "task id may only contain letters, digits, '.', '_' and '-'"})
	}

	errs = append(errs, v.checkPath("audio_path", bp.AudioPath)...)
	for i, m := range bp.Moves {
		errs = append(errs, v.checkPath(fmt.Sprintf("moves[%d].clip_path", i), m.ClipPath)...)
	}

	errs = append(errs, checkTimeline(bp)...)
	errs = append(errs, checkOutput(bp.Output)...)
	return errs
}

func (v *Validator) structural(bp *model.Blueprint) ValidationErrors {
	err := v.validate.Struct(bp)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Code: CodeMalformed, Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		field := fieldPath(fe.Namespace())
		out = append(out, ValidationError{Field: field, Code: codeFor(fe.Tag()), Message: messageFor(field, fe)})
	}
	return out
}

// fieldPath strips the root type name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func codeFor(tag string) string {
	switch tag {
	case "required":
		return CodeRequired
	case "oneof":
		return CodeFormat
	}
	return CodeRange
}

func messageFor(field string, fe validator.FieldError) string {
	if field == "moves" {
		return "moves array must be non-empty"
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	}
	return fmt.Sprintf("failed %s check", fe.Tag())
}

// checkPath reports every problem with p; it never rewrites the path.
func (v *Validator) checkPath(field, p string) ValidationErrors {
	if p == "" {
		return nil
	}
	var errs ValidationErrors
	if strings.ContainsRune(p, 0) {
		errs = append(errs, ValidationError{Field: field, Code: CodeNullByte, Message: "path contains a null byte"})
	}
	if hasTraversal(p) {
		errs = append(errs, ValidationError{Field: field, Code: CodeTraversal, Message: "path must not contain '..' segments"})
	}
	if isAbsolute(p) && !v.withinRoot(p) {
		errs = append(errs, ValidationError{Field: field, Code: CodeAbsolute, Message: "absolute path is outside the allowed media root"})
	}
	return errs
}

func hasTraversal(p string) bool {
	lower := strings.ToLower(p)
	if strings.Contains(lower, "%2e%2e") {
		return true
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func isAbsolute(p string) bool {
	return strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) || drivePattern.MatchString(p) || filepath.IsAbs(p)
}

func (v *Validator) withinRoot(p string) bool {
	if v.allowedRoot == "" {
		return false
	}
	rel, err := filepath.Rel(v.allowedRoot, filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func checkTimeline(bp *model.Blueprint) ValidationErrors {
	var errs ValidationErrors
	for i, m := range bp.Moves {
		field := fmt.Sprintf("moves[%d]", i)
		if m.TrimEnd != nil {
			// the encoder cuts Duration seconds from the trim start
			window := *m.TrimEnd - m.SourceOffset()
			switch {
			case window <= 0:
				errs = append(errs, ValidationError{Field: field + ".trim_end", Code: CodeRange, Message: "trim_end must be greater than trim_start"})
			case m.Duration > 0 && window < m.Duration-tolerance:
				errs = append(errs, ValidationError{Field: field + ".trim_end", Code: CodeRange, Message: fmt.Sprintf("trim window %.3fs is shorter than duration %.3fs", window, m.Duration)})
			}
		}
		if i == 0 {
			continue
		}
		prev := bp.Moves[i-1]
		switch {
		case m.StartTime < prev.StartTime:
			errs = append(errs, ValidationError{Field: field + ".start_time", Code: CodeOrder, Message: "start times must be increasing"})
		case prev.Duration > 0 && m.StartTime < prev.EndTime()-tolerance:
			errs = append(errs, ValidationError{Field: field + ".start_time", Code: CodeOverlap, Message: fmt.Sprintf("overlaps the previous entry ending at %.3fs", prev.EndTime())})
		}
	}
	if bp.AudioDuration > 0 {
		if total := bp.TotalDuration(); total > bp.AudioDuration+tolerance {
			errs = append(errs, ValidationError{Field: "moves", Code: CodeRange, Message: fmt.Sprintf("total duration %.3fs exceeds audio duration %.3fs", total, bp.AudioDuration)})
		}
	}
	return errs
}

func checkOutput(out *model.OutputConfig) ValidationErrors {
	if out == nil {
		return nil
	}
	var errs ValidationErrors
	if out.Bitrate != "" && !bitratePattern.MatchString(out.Bitrate) {
		errs = append(errs, ValidationError{Field: "output_config.bitrate", Code: CodeFormat, Message: "bitrate must look like 4M or 2500k"})
	}
	if out.Resolution != "" && !resolutionPattern.MatchString(out.Resolution) {
		errs = append(errs, ValidationError{Field: "output_config.resolution", Code: CodeFormat, Message: "resolution must look like 1280x720"})
	}
	if strings.ContainsAny(out.Codec, " ;|&$`") {
		errs = append(errs, ValidationError{Field: "output_config.codec", Code: CodeFormat, Message: "codec name contains invalid characters"})
	}
	return errs
}

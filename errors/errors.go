package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates which pipeline stage produced the error
type Phase string

const (
	PhaseParse        Phase = "parse"        // binary decoding
	PhaseEncode       Phase = "encode"       // binary encoding
	PhaseReachability Phase = "gc"           // dead-code elimination
	PhaseExports      Phase = "exports"      // entry point and table normalization
	PhaseSnippets     Phase = "snippets"     // inline snippet extraction
	PhaseGrow         Phase = "grow"         // memory growth interception
	PhaseIntrinsics   Phase = "intrinsics"   // runtime intrinsic injection
	PhaseRender       Phase = "render"       // glue template rendering
	PhaseOptions      Phase = "options"      // option validation
	PhaseVerify       Phase = "verify"       // output verification
	PhaseConfig       Phase = "config"       // configuration loading
	PhaseCache        Phase = "cache"        // artifact cache
)

// Kind categorizes the error
type Kind string

const (
	KindMalformedHeader     Kind = "malformed_header"
	KindTruncatedBody       Kind = "truncated_body"
	KindBadIndex            Kind = "bad_index"
	KindUnsupportedVersion  Kind = "unsupported_version"
	KindMissingEntryPoint   Kind = "missing_entry_point"
	KindUnresolvedIntrinsic Kind = "unresolved_intrinsic"
	KindGlueTemplate        Kind = "glue_template"
	KindInvalidInput        Kind = "invalid_input"
	KindInvalidModule       Kind = "invalid_module"
	KindIO                  Kind = "io"
)

// Error is the structured error type returned by every pipeline stage
type Error struct {
	Value      any
	Cause      error
	Phase      Phase
	Kind       Kind
	Detail     string
	Path       []string
	Candidates []string
	Offset     int // byte offset in the input, -1 when not applicable
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Offset >= 0 && e.isCodec() {
		fmt.Fprintf(&b, " (offset %d)", e.Offset)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if len(e.Candidates) > 0 {
		b.WriteString(" (considered: ")
		b.WriteString(strings.Join(e.Candidates, ", "))
		b.WriteByte(')')
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target with an empty Phase matches on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase == "" {
		return e.Kind == t.Kind
	}
	return e.Phase == t.Phase && e.Kind == t.Kind
}

func (e *Error) isCodec() bool {
	switch e.Kind {
	case KindMalformedHeader, KindTruncatedBody, KindBadIndex, KindUnsupportedVersion:
		return true
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase:  phase,
			Kind:   kind,
			Offset: -1,
		},
	}
}

// Path sets the location path (section, entry)
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Offset sets the byte offset
func (b *Builder) Offset(off int) *Builder {
	b.err.Offset = off
	return b
}

// Candidates sets the names considered before failing
func (b *Builder) Candidates(names ...string) *Builder {
	b.err.Candidates = names
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Codec constructors

// MalformedHeader creates a malformed-header codec error
func MalformedHeader(section string, offset int, detail string) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindMalformedHeader,
		Path:   pathOf(section),
		Offset: offset,
		Detail: detail,
	}
}

// Truncated creates a truncated-body codec error
func Truncated(section string, offset int, cause error) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindTruncatedBody,
		Path:   pathOf(section),
		Offset: offset,
		Detail: "unexpected end of data",
		Cause:  cause,
	}
}

// BadIndex creates an out-of-range index error
func BadIndex(phase Phase, path []string, space string, index, length uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindBadIndex,
		Path:   path,
		Offset: -1,
		Value:  index,
		Detail: fmt.Sprintf("%s index %d out of bounds (length %d)", space, index, length),
	}
}

// Unsupported creates an unsupported-section-version codec error
func Unsupported(section string, offset int, what string) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindUnsupportedVersion,
		Path:   pathOf(section),
		Offset: offset,
		Detail: what,
	}
}

// Pipeline constructors

// MissingEntryPoint creates an error listing the entry names that were tried
func MissingEntryPoint(requested string, candidates []string) *Error {
	detail := "no exported function resolves to an entry point"
	if requested != "" {
		detail = fmt.Sprintf("requested entry %q not found", requested)
	}
	return &Error{
		Phase:      PhaseExports,
		Kind:       KindMissingEntryPoint,
		Offset:     -1,
		Detail:     detail,
		Candidates: candidates,
	}
}

// UnresolvedIntrinsic creates an error for an intrinsic no policy can satisfy.
// display is the human-readable (demangled) symbol.
func UnresolvedIntrinsic(module, display, detail string) *Error {
	return &Error{
		Phase:  PhaseIntrinsics,
		Kind:   KindUnresolvedIntrinsic,
		Path:   []string{module, display},
		Offset: -1,
		Detail: detail,
	}
}

// GlueTemplate creates a glue rendering error
func GlueTemplate(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseRender,
		Kind:   KindGlueTemplate,
		Offset: -1,
		Detail: detail,
		Cause:  cause,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Offset: -1,
		Detail: detail,
	}
}

// InvalidModule creates an error for a module a pass cannot transform safely
func InvalidModule(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidModule,
		Offset: -1,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Offset: -1,
		Detail: detail,
		Cause:  cause,
	}
}

// InPhase returns err as a *Error attributed to phase.
// Structured errors keep their kind and detail; other errors become
// invalid_module errors with err as cause.
func InPhase(phase Phase, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		out := *e
		out.Phase = phase
		return &out
	}
	return Wrap(phase, KindInvalidModule, err, "")
}

// HasKind reports whether err is or wraps a *Error of the given kind.
func HasKind(err error, kind Kind) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsCodec reports whether err is a codec error (malformed_header,
// truncated_body, bad_index or unsupported_version).
func IsCodec(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.isCodec()
	}
	return false
}

func pathOf(section string) []string {
	if section == "" {
		return nil
	}
	return []string{section}
}

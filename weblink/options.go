package weblink

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"

	"github.com/wippyai/weblink/errors"
)

// Mode selects the embedding the glue targets.
type Mode int

const (
	// ModeNative renders a self-contained loader.
	ModeNative Mode = iota
	// ModeRuntime renders glue that plugs into the intermediate runtime.
	ModeRuntime
)

func (m Mode) String() string {
	switch m {
	case ModeNative:
		return "native"
	case ModeRuntime:
		return "runtime"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "native" or "runtime".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native":
		return ModeNative, nil
	case "runtime":
		return ModeRuntime, nil
	}
	return 0, errors.InvalidInput(errors.PhaseOptions, fmt.Sprintf("unknown mode %q (want native or runtime)", s))
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// DefaultRuntimeVersion is the runtime release runtime-mode glue targets
// when Options.RuntimeVersion is empty.
const DefaultRuntimeVersion = "0.6.0"

// RuntimeConstraint is the range of runtime releases the glue supports.
const RuntimeConstraint = ">= 0.6, < 1.0"

var runtimeConstraint = version.MustConstraints(version.NewConstraint(RuntimeConstraint))

// Options configures one Transform call.
type Options struct {
	// Entry is the symbol to export as main. Empty selects the single
	// function export, else an existing main export.
	Entry string `json:"entry,omitempty"`

	Mode Mode `json:"mode"`

	// Template replaces the default glue skeleton. It is executed with
	// text/template over the fragments, entry and runtime version.
	Template string `json:"template,omitempty"`

	// HostImports lists imports, as module.field, that the embedder
	// provides. Matching intrinsics are left alone.
	HostImports []string `json:"host_imports,omitempty"`

	// RuntimeVersion is rendered into runtime-mode glue.
	RuntimeVersion string `json:"runtime_version,omitempty"`
}

// CheckRuntimeVersion reports whether v is a runtime release the glue
// supports.
func CheckRuntimeVersion(v string) error {
	parsed, err := version.NewVersion(v)
	if err != nil {
		return errors.Wrap(errors.PhaseOptions, errors.KindInvalidInput, err,
			fmt.Sprintf("runtime version %q", v))
	}
	if !runtimeConstraint.Check(parsed) {
		return errors.InvalidInput(errors.PhaseOptions,
			fmt.Sprintf("runtime version %s does not satisfy %s", v, RuntimeConstraint))
	}
	return nil
}

// Validate checks the options and fills defaults.
func (o *Options) Validate() error {
	if o.Mode != ModeNative && o.Mode != ModeRuntime {
		return errors.InvalidInput(errors.PhaseOptions, fmt.Sprintf("unknown mode %s", o.Mode))
	}
	if o.RuntimeVersion == "" {
		o.RuntimeVersion = DefaultRuntimeVersion
	}
	if err := CheckRuntimeVersion(o.RuntimeVersion); err != nil {
		return err
	}
	for _, h := range o.HostImports {
		module, field, ok := strings.Cut(h, ".")
		if !ok || module == "" || field == "" {
			return errors.InvalidInput(errors.PhaseOptions,
				fmt.Sprintf("host import %q is not of the form module.field", h))
		}
	}
	return nil
}

// Fingerprint identifies the options for caching. Options that render the
// same output share a fingerprint.
func (o Options) Fingerprint() string {
	if o.RuntimeVersion == "" {
		o.RuntimeVersion = DefaultRuntimeVersion
	}
	data, _ := json.Marshal(o)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

package build

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Options is the validated argument set forwarded to the external
// toolchain. It is opaque to the scheduler; only Validate inspects it.
type Options struct {
	// Platform is the target platform, e.g. "ios" or "android".
	// Required.
	Platform string `json:"platform" mapstructure:"platform"`

	// Configuration selects the build configuration. Empty means the
	// toolchain default.
	Configuration string `json:"configuration,omitempty" mapstructure:"configuration"`

	// Target names a device or emulator target for post-build actions.
	Target string `json:"target,omitempty" mapstructure:"target"`

	// Flags are extra arguments appended verbatim to the toolchain
	// argument vector.
	Flags []string `json:"flags,omitempty" mapstructure:"flags"`

	// Env holds additional environment variables for the toolchain
	// process.
	Env map[string]string `json:"env,omitempty" mapstructure:"env"`
}

// validConfigurations is the closed set of accepted configurations.
var validConfigurations = map[string]struct{}{
	"":        {},
	"debug":   {},
	"release": {},
}

// DecodeOptions converts a free-form submission payload into Options.
// Input is weakly typed (clients send JSON with loose types); unknown
// keys are rejected so typos surface at submission time.
func DecodeOptions(raw map[string]any) (*Options, error) {
	var opts Options

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating options decoder: %w", err)
	}

	if err := decoder.Decode(raw); err != nil {
		return nil, &ValidationError{Field: "options", Reason: err.Error()}
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &opts, nil
}

// Validate checks the constraints a submission must meet before a
// record is created.
func (o *Options) Validate() error {
	if strings.TrimSpace(o.Platform) == "" {
		return &ValidationError{Field: "platform", Reason: "must not be empty"}
	}

	if _, ok := validConfigurations[o.Configuration]; !ok {
		return &ValidationError{
			Field:  "configuration",
			Reason: fmt.Sprintf("unknown configuration %q", o.Configuration),
		}
	}

	for i, flag := range o.Flags {
		if strings.ContainsAny(flag, "\x00\n") {
			return &ValidationError{
				Field:  fmt.Sprintf("flags[%d]", i),
				Reason: "contains control characters",
			}
		}
	}

	for k := range o.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return &ValidationError{
				Field:  "env",
				Reason: fmt.Sprintf("invalid variable name %q", k),
			}
		}
	}

	return nil
}

// Args renders the toolchain argument vector for this option set.
func (o *Options) Args() []string {
	args := []string{"--platform", o.Platform}

	if o.Configuration != "" {
		args = append(args, "--configuration", o.Configuration)
	}

	if o.Target != "" {
		args = append(args, "--target", o.Target)
	}

	return append(args, o.Flags...)
}

// EnvList renders the environment as KEY=VALUE entries.
func (o *Options) EnvList() []string {
	if len(o.Env) == 0 {
		return nil
	}

	env := make([]string, 0, len(o.Env))
	for k, v := range o.Env {
		env = append(env, k+"="+v)
	}

	return env
}

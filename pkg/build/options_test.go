package build

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOptions(t *testing.T) {
	t.Run("decodes weakly typed payload", func(t *testing.T) {
		opts, err := DecodeOptions(map[string]any{
			"platform":      "ios",
			"configuration": "release",
			"target":        "iPhone 15",
			"flags":         []any{"--verbose", "--clean"},
			"env":           map[string]any{"SDK_HOME": "/opt/sdk"},
		})
		require.NoError(t, err)

		assert.Equal(t, "ios", opts.Platform)
		assert.Equal(t, "release", opts.Configuration)
		assert.Equal(t, []string{"--verbose", "--clean"}, opts.Flags)
		assert.Equal(t, "/opt/sdk", opts.Env["SDK_HOME"])
	})

	t.Run("rejects unknown keys", func(t *testing.T) {
		_, err := DecodeOptions(map[string]any{
			"platform": "ios",
			"platfrom": "android",
		})
		require.Error(t, err)

		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr)
	})
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr string
	}{
		{
			name: "valid minimal",
			opts: Options{Platform: "android"},
		},
		{
			name: "valid full",
			opts: Options{
				Platform:      "ios",
				Configuration: "debug",
				Target:        "emulator-5554",
				Flags:         []string{"--clean"},
				Env:           map[string]string{"A": "b"},
			},
		},
		{
			name:    "missing platform",
			opts:    Options{},
			wantErr: "platform",
		},
		{
			name:    "blank platform",
			opts:    Options{Platform: "   "},
			wantErr: "platform",
		},
		{
			name:    "unknown configuration",
			opts:    Options{Platform: "ios", Configuration: "profiling"},
			wantErr: "configuration",
		},
		{
			name:    "flag with newline",
			opts:    Options{Platform: "ios", Flags: []string{"--a\n--b"}},
			wantErr: "flags[0]",
		},
		{
			name:    "env key with equals",
			opts:    Options{Platform: "ios", Env: map[string]string{"A=B": "c"}},
			wantErr: "env",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()

			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOptions_Args(t *testing.T) {
	opts := Options{
		Platform:      "android",
		Configuration: "release",
		Target:        "pixel-8",
		Flags:         []string{"--no-cache"},
	}

	assert.Equal(t, []string{
		"--platform", "android",
		"--configuration", "release",
		"--target", "pixel-8",
		"--no-cache",
	}, opts.Args())

	minimal := Options{Platform: "ios"}
	assert.Equal(t, []string{"--platform", "ios"}, minimal.Args())
}

package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestExecuteCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		binary   string
		args     []string
		out      string
		err      string
		code     int
		canceled bool
		timeout  time.Duration
	}{
		{
			name:    "success",
			binary:  "echo",
			args:    []string{"foo"},
			out:     "foo",
			code:    0,
			timeout: time.Hour,
		},
		{
			name:    "error",
			binary:  "sh",
			args:    []string{"-c", "echo foo 1>&2; exit 69"},
			err:     "foo",
			code:    69,
			timeout: time.Hour,
		},
		{
			name:     "timeout",
			binary:   "sleep",
			args:     []string{"5"},
			canceled: true,
			timeout:  time.Millisecond * 100,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(context.TODO(), tt.timeout)
			defer cancel()

			out, err := ExecuteCommand(ctx, nil, "", tt.binary, tt.args...)
			if tt.canceled {
				require.Error(t, err)
				assert.True(t, xerrors.Is(err, ErrCommandCanceled))
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tt.code, out.ExitCode)
			assert.Equal(t, tt.out, out.Stdout)
			assert.Equal(t, tt.err, out.Stderr)
		})
	}
}

func TestExecuteCommandMissingBinary(t *testing.T) {
	t.Parallel()

	_, err := ExecuteCommand(context.Background(), nil, "", "codesync-definitely-not-a-binary")
	assert.Error(t, err)
}

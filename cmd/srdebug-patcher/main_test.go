package main

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srdebug/patcher/cil/ciltest"
)

func game(t *testing.T, initName string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "Data/Managed/Assembly-CSharp.dll", ciltest.MustBuild(t, ciltest.Assembly{
		Name: "Assembly-CSharp",
		Types: []ciltest.Type{{
			Name:    "DebugDirector",
			Methods: []ciltest.Method{{Name: "Awake", Body: []ciltest.Instr{ciltest.Ret()}}},
		}},
	}), 0o644))
	require.NoError(t, afero.WriteFile(fs, "SrDebug-Content/Assembly-SrDebug.dll", ciltest.MustBuild(t, ciltest.Assembly{
		Name: "Assembly-SrDebug",
		Types: []ciltest.Type{{
			Name:    "SrDebugDirector",
			Methods: []ciltest.Method{{Name: initName, Static: true, Body: []ciltest.Instr{ciltest.Ret()}}},
		}},
	}), 0o644))
	return fs
}

func TestRun(t *testing.T) {
	tests := map[string]struct {
		init     string
		code     int
		stdout   string
		contains []string
	}{
		"success": {
			init:     "Init",
			code:     0,
			stdout:   "Debug mode should now be accessible.\n",
			contains: []string{"patched"},
		},
		"missing init": {
			init:     "Start",
			code:     1,
			contains: []string{"patch failed", "find init method", "SrDebugDirector::Init"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(game(t, tc.init), &stdout, &stderr)

			assert.Equal(t, tc.code, code)
			if tc.stdout != "" {
				assert.Equal(t, tc.stdout, stdout.String())
			} else {
				assert.Contains(t, stdout.String(), "Patching failed")
			}
			for _, s := range tc.contains {
				assert.Contains(t, stderr.String(), s)
			}
		})
	}
}

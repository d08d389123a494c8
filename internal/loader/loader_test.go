package loader

import (
	"bytes"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srdebug/patcher/cil"
	"github.com/srdebug/patcher/cil/ciltest"
)

func gameAssembly() ciltest.Assembly {
	return ciltest.Assembly{
		Name:    "Assembly-CSharp",
		Version: [4]uint16{1, 0, 0, 0},
		Types: []ciltest.Type{{
			Name: "DebugDirector",
			Methods: []ciltest.Method{
				{Name: "Awake", Body: []ciltest.Instr{ciltest.Ret()}},
				{Name: "Update", Body: []ciltest.Instr{ciltest.Nop(), ciltest.Ret()}},
			},
		}},
	}
}

func companionAssembly() ciltest.Assembly {
	return ciltest.Assembly{
		Name:    "Assembly-SrDebug",
		Version: [4]uint16{1, 0, 0, 0},
		Types: []ciltest.Type{{
			Name: "SrDebugDirector",
			Methods: []ciltest.Method{
				{Name: "Init", Static: true, Body: []ciltest.Instr{ciltest.Ret()}},
			},
		}},
	}
}

func newGame(t *testing.T, dataDir string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/game/"+dataDir+"/Managed", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/game/"+dataDir+"/Managed/Assembly-CSharp.dll", ciltest.MustBuild(t, gameAssembly()), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/game/SrDebug-Content/Assembly-SrDebug.dll", ciltest.MustBuild(t, companionAssembly()), 0o644))
	return fs
}

func TestLocateDataDirectory(t *testing.T) {
	tests := map[string]struct {
		dirs    []string
		files   []string
		want    string
		wantErr bool
	}{
		"first candidate": {
			dirs: []string{"/game/Content/Resources/Data", "/game/Data"},
			want: "/game/Content/Resources/Data",
		},
		"second candidate": {
			dirs: []string{"/game/Resources/Data", "/game/SlimeRancher_Data"},
			want: "/game/Resources/Data",
		},
		"last candidate": {
			dirs: []string{"/game/SlimeRancher_Data"},
			want: "/game/SlimeRancher_Data",
		},
		"file is not a directory": {
			files: []string{"/game/Data"},
			dirs:  []string{"/game/SlimeRancher_Data"},
			want:  "/game/SlimeRancher_Data",
		},
		"none": {
			dirs:    []string{"/game/Other_Data"},
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			for _, d := range tc.dirs {
				require.NoError(t, fs.MkdirAll(d, 0o755))
			}
			for _, f := range tc.files {
				require.NoError(t, afero.WriteFile(fs, f, nil, 0o644))
			}

			got, err := New(fs, "/game").LocateDataDirectory()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrDataDirectoryNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWithCandidates(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/game/Data", 0o755))
	require.NoError(t, fs.MkdirAll("/game/Game_Data", 0o755))

	got, err := New(fs, "/game", WithCandidates("Game_Data", "Data")).LocateDataDirectory()
	require.NoError(t, err)
	assert.Equal(t, "/game/Game_Data", got)
}

func TestInstallCompanion(t *testing.T) {
	assert := assert.New(t)
	fs := newGame(t, "Data")
	stale := []byte("old copy")
	require.NoError(t, afero.WriteFile(fs, "/game/Data/Managed/Assembly-SrDebug.dll", stale, 0o644))

	l := New(fs, "/game")
	require.NoError(t, l.InstallCompanion("SrDebug-Content/Assembly-SrDebug.dll"))

	want, err := afero.ReadFile(fs, "/game/SrDebug-Content/Assembly-SrDebug.dll")
	require.NoError(t, err)
	got, err := afero.ReadFile(fs, "/game/Data/Managed/Assembly-SrDebug.dll")
	require.NoError(t, err)
	assert.Equal(want, got)

	assert.Error(l.InstallCompanion("SrDebug-Content/Missing.dll"))
}

func TestLoad(t *testing.T) {
	assert := assert.New(t)
	fs := newGame(t, "Resources/Data")
	var logs bytes.Buffer
	l := New(fs, "/game", WithLogger(zerolog.New(&logs).Level(zerolog.DebugLevel)))

	m, err := l.Load("Assembly-CSharp")
	require.NoError(t, err)
	assert.Equal("Assembly-CSharp", m.Name)
	assert.Equal("/game/Resources/Data/Managed/Assembly-CSharp.dll", m.Path)
	assert.Contains(logs.String(), `"module":"Assembly-CSharp"`)

	again, err := l.Load("Assembly-CSharp")
	require.NoError(t, err)
	assert.Same(m, again)
}

func TestLoadErrors(t *testing.T) {
	tests := map[string]struct {
		setup   func(t *testing.T, fs afero.Fs)
		name    string
		wantErr []error
	}{
		"missing module": {
			name:    "Assembly-SrDebug",
			wantErr: []error{ErrModuleRead},
		},
		"malformed module": {
			setup: func(t *testing.T, fs afero.Fs) {
				require.NoError(t, afero.WriteFile(fs, "/game/Data/Managed/Broken.dll", []byte("MZ nonsense"), 0o644))
			},
			name:    "Broken",
			wantErr: []error{ErrModuleRead, cil.ErrMalformed},
		},
		"no data directory": {
			setup: func(t *testing.T, fs afero.Fs) {
				require.NoError(t, fs.RemoveAll("/game/Data"))
			},
			name:    "Assembly-CSharp",
			wantErr: []error{ErrDataDirectoryNotFound},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			fs := newGame(t, "Data")
			if tc.setup != nil {
				tc.setup(t, fs)
			}
			_, err := New(fs, "/game").Load(tc.name)
			for _, want := range tc.wantErr {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	fs := newGame(t, "Data")
	l := New(fs, "/game")
	require.NoError(t, l.InstallCompanion("SrDebug-Content/Assembly-SrDebug.dll"))

	source, err := l.Load("Assembly-SrDebug")
	require.NoError(t, err)
	resolved, err := l.Resolve("Assembly-SrDebug")
	require.NoError(t, err)
	assert.Same(t, source, resolved)

	target, err := l.Load("Assembly-CSharp")
	require.NoError(t, err)
	dir, err := source.Type("SrDebugDirector")
	require.NoError(t, err)
	initMethod, err := dir.Method("Init")
	require.NoError(t, err)
	_, err = target.ImportMethod(initMethod)
	assert.NoError(t, err)
}

func TestPersist(t *testing.T) {
	assert := assert.New(t)
	fs := newGame(t, "Data")
	l := New(fs, "/game")
	m, err := l.Load("Assembly-CSharp")
	require.NoError(t, err)

	dd, err := m.Type("DebugDirector")
	require.NoError(t, err)
	dd.RemoveMethod("Awake")
	require.NoError(t, l.Persist(m))

	entries, err := afero.ReadDir(fs, "/game/Data/Managed")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal("Assembly-CSharp.dll", entries[0].Name())

	out, err := New(fs, "/game").Load("Assembly-CSharp")
	require.NoError(t, err)
	dd, err = out.Type("DebugDirector")
	require.NoError(t, err)
	require.Len(t, dd.Methods(), 1)
	assert.Equal("Update", dd.Methods()[0].Name)
}

func TestPersistKeepsMode(t *testing.T) {
	tests := map[string]os.FileMode{
		"world readable": 0o644,
		"group only":     0o640,
		"read only":      0o444,
	}

	for name, mode := range tests {
		t.Run(name, func(t *testing.T) {
			fs := newGame(t, "Data")
			path := "/game/Data/Managed/Assembly-CSharp.dll"
			require.NoError(t, fs.Chmod(path, mode))

			l := New(fs, "/game")
			m, err := l.Load("Assembly-CSharp")
			require.NoError(t, err)
			dd, err := m.Type("DebugDirector")
			require.NoError(t, err)
			dd.RemoveMethod("Awake")
			require.NoError(t, l.Persist(m))

			fi, err := fs.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, mode, fi.Mode().Perm())
		})
	}
}

func TestPersistFailureLeavesOriginal(t *testing.T) {
	tests := map[string]struct {
		fs     func(afero.Fs) afero.Fs
		modify func(t *testing.T, m *cil.Module)
	}{
		"read-only filesystem": {
			fs: func(fs afero.Fs) afero.Fs { return afero.NewReadOnlyFs(fs) },
		},
		"unserializable module": {
			fs: func(fs afero.Fs) afero.Fs { return fs },
			modify: func(t *testing.T, m *cil.Module) {
				dd, err := m.Type("DebugDirector")
				require.NoError(t, err)
				dd.RemoveMethod("Awake")
				caller := dd.AddVoidMethod("Caller", cil.Public)
				callee := dd.AddVoidMethod("Callee", cil.Public)
				ref, err := m.ImportMethod(callee)
				require.NoError(t, err)
				b, err := caller.Body()
				require.NoError(t, err)
				// An instance callee with no receiver on the stack.
				assert.Error(t, b.EmitCallThenReturn(ref))
				b.Instructions = []cil.Instruction{{OpCode: cil.Call, Operand: ref}, {Offset: 5, OpCode: cil.Ret}}
				dd.RemoveMethod("Callee")
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			base := newGame(t, "Data")
			before, err := afero.ReadFile(base, "/game/Data/Managed/Assembly-CSharp.dll")
			require.NoError(t, err)

			l := New(tc.fs(base), "/game")
			m, err := l.Load("Assembly-CSharp")
			require.NoError(t, err)
			if tc.modify != nil {
				tc.modify(t, m)
			}

			assert.ErrorIs(t, l.Persist(m), cil.ErrSerialization)

			after, err := afero.ReadFile(base, "/game/Data/Managed/Assembly-CSharp.dll")
			require.NoError(t, err)
			assert.Equal(t, before, after)
			entries, err := afero.ReadDir(base, "/game/Data/Managed")
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

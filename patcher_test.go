package patcher

import (
	"bytes"
	"debug/pe"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srdebug/patcher/cil"
	"github.com/srdebug/patcher/cil/ciltest"
	"github.com/srdebug/patcher/internal/config"
	"github.com/srdebug/patcher/internal/loader"
)

const (
	targetPath    = "/game/SlimeRancher_Data/Managed/Assembly-CSharp.dll"
	companionPath = "/game/SrDebug-Content/Assembly-SrDebug.dll"
	installedPath = "/game/SlimeRancher_Data/Managed/Assembly-SrDebug.dll"
)

func targetAssembly(withAwake bool) ciltest.Assembly {
	methods := []ciltest.Method{
		{Name: "Awake", Body: []ciltest.Instr{ciltest.LdcI4S(7), ciltest.Pop(), ciltest.Ret()}},
		{Name: "Update", Body: []ciltest.Instr{ciltest.Ldarg0(), ciltest.Call("DebugDirector::Log"), ciltest.Ret()}},
		{Name: "Log", Body: []ciltest.Instr{ciltest.Ret()}},
	}
	if !withAwake {
		methods = methods[1:]
	}
	return ciltest.Assembly{
		Name:    "Assembly-CSharp",
		Version: [4]uint16{1, 0, 0, 0},
		Types: []ciltest.Type{
			{Name: "DebugDirector", Methods: methods},
			{Namespace: "Game", Name: "Player", Methods: []ciltest.Method{
				{Name: "Awake", Body: []ciltest.Instr{ciltest.Nop(), ciltest.Ret()}},
			}},
		},
	}
}

func sourceAssembly() ciltest.Assembly {
	return ciltest.Assembly{
		Name:    "Assembly-SrDebug",
		Version: [4]uint16{1, 0, 0, 0},
		Types: []ciltest.Type{{
			Name: "SrDebugDirector",
			Methods: []ciltest.Method{
				{Name: "Init", Static: true, Body: []ciltest.Instr{ciltest.Ret()}},
				{Name: "Show", Body: []ciltest.Instr{ciltest.Ret()}},
			},
		}},
	}
}

func newGame(t *testing.T, target ciltest.Assembly) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, targetPath, ciltest.MustBuild(t, target), 0o644))
	require.NoError(t, afero.WriteFile(fs, companionPath, ciltest.MustBuild(t, sourceAssembly()), 0o644))
	return fs
}

func newLoader(fs afero.Fs, cfg *config.Config) *loader.Loader {
	return loader.New(fs, cfg.Root, loader.WithCandidates(cfg.DataDirs...))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Root = "/game"
	return cfg
}

func opNames(t *testing.T, m *cil.Method) []string {
	t.Helper()
	b, err := m.Body()
	require.NoError(t, err)
	require.NotNil(t, b)
	var names []string
	for _, ins := range b.Instructions {
		names = append(names, ins.OpCode.Name)
	}
	return names
}

func reload(t *testing.T, fs afero.Fs) *cil.Module {
	t.Helper()
	cfg := testConfig()
	m, err := newLoader(fs, cfg).Load(cfg.TargetAssembly)
	require.NoError(t, err)
	return m
}

func TestPatch(t *testing.T) {
	tests := map[string]struct {
		withAwake bool
		// fullHeaders leaves no room for another section header.
		fullHeaders bool
	}{
		"hook exists":        {withAwake: true},
		"hook missing":       {withAwake: false},
		"full section table": {withAwake: true, fullHeaders: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			a := targetAssembly(tc.withAwake)
			a.ExtraSections = tc.fullHeaders
			a.DebugDirectory = tc.fullHeaders
			fs := newGame(t, a)
			cfg := testConfig()

			res, err := Patch(newLoader(fs, cfg), cfg)
			require.NoError(t, err)
			assert.Equal(targetPath, res.Path)
			assert.Equal("DebugDirector::Awake", res.Hook)
			assert.Equal("[Assembly-SrDebug]SrDebugDirector::Init", res.Callee)
			assert.Equal(tc.withAwake, res.Replaced)

			m := reload(t, fs)
			dd, err := m.Type("DebugDirector")
			require.NoError(t, err)
			count := 0
			for _, meth := range dd.Methods() {
				if meth.Name == "Awake" {
					count++
				}
			}
			assert.Equal(1, count)

			awake, err := dd.Method("Awake")
			require.NoError(t, err)
			assert.Equal([]string{"call", "ret"}, opNames(t, awake))
			assert.Equal(cil.Public, awake.Visibility())
			assert.False(awake.IsStatic())
			b, _ := awake.Body()
			callee, err := m.MethodName(b.Instructions[0].Operand.(cil.Token))
			require.NoError(t, err)
			assert.Equal(res.Callee, callee)

			update, err := dd.Method("Update")
			require.NoError(t, err)
			assert.Equal([]string{"ldarg.0", "call", "ret"}, opNames(t, update))
			b, _ = update.Body()
			callee, err = m.MethodName(b.Instructions[1].Operand.(cil.Token))
			require.NoError(t, err)
			assert.Equal("DebugDirector::Log", callee)

			player, err := m.Type("Game.Player")
			require.NoError(t, err)
			playerAwake, err := player.Method("Awake")
			require.NoError(t, err)
			assert.Equal([]string{"nop", "ret"}, opNames(t, playerAwake))

			installed, err := afero.ReadFile(fs, installedPath)
			require.NoError(t, err)
			companion, err := afero.ReadFile(fs, companionPath)
			require.NoError(t, err)
			assert.Equal(companion, installed)
		})
	}
}

func TestPatchTwice(t *testing.T) {
	tests := map[string]struct {
		fullHeaders bool
	}{
		"one section":        {},
		"full section table": {fullHeaders: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			a := targetAssembly(true)
			a.ExtraSections = tc.fullHeaders
			fs := newGame(t, a)
			cfg := testConfig()

			_, err := Patch(newLoader(fs, cfg), cfg)
			require.NoError(t, err)
			first, err := afero.ReadFile(fs, targetPath)
			require.NoError(t, err)

			res, err := Patch(newLoader(fs, cfg), cfg)
			require.NoError(t, err)
			assert.True(res.Replaced)
			second, err := afero.ReadFile(fs, targetPath)
			require.NoError(t, err)
			assert.NotEqual(first, second)
			assert.Equal(sectionCount(t, first), sectionCount(t, second))

			m := reload(t, fs)
			dd, err := m.Type("DebugDirector")
			require.NoError(t, err)
			var names []string
			for _, meth := range dd.Methods() {
				names = append(names, meth.Name)
			}
			assert.Equal([]string{"Update", "Log", "Awake"}, names)
		})
	}
}

func sectionCount(t *testing.T, data []byte) int {
	t.Helper()
	f, err := pe.NewFile(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	return len(f.Sections)
}

func TestPatchConfiguredNames(t *testing.T) {
	fs := newGame(t, targetAssembly(true))
	cfg := testConfig()
	cfg.TargetType = "Game.Player"

	res, err := Patch(newLoader(fs, cfg), cfg)
	require.NoError(t, err)
	assert.Equal(t, "Game.Player::Awake", res.Hook)

	m := reload(t, fs)
	player, err := m.Type("Game.Player")
	require.NoError(t, err)
	awake, err := player.Method("Awake")
	require.NoError(t, err)
	assert.Equal(t, []string{"call", "ret"}, opNames(t, awake))

	dd, err := m.Type("DebugDirector")
	require.NoError(t, err)
	awake, err = dd.Method("Awake")
	require.NoError(t, err)
	assert.Equal(t, []string{"ldc.i4.s", "pop", "ret"}, opNames(t, awake))
}

func TestPatchFailure(t *testing.T) {
	tests := map[string]struct {
		setup     func(t *testing.T, fs afero.Fs, cfg *config.Config)
		step      Step
		symbol    string
		wantErr   error
		contains  string
		installed bool
	}{
		"no data directory": {
			setup: func(t *testing.T, fs afero.Fs, cfg *config.Config) {
				cfg.DataDirs = []string{"Content/Resources/Data", "Resources/Data", "Data"}
			},
			step:    StepLocateData,
			symbol:  "/game",
			wantErr: loader.ErrDataDirectoryNotFound,
		},
		"companion missing": {
			setup: func(t *testing.T, fs afero.Fs, cfg *config.Config) {
				require.NoError(t, fs.Remove(companionPath))
			},
			step:   StepLocateData,
			symbol: "SrDebug-Content/Assembly-SrDebug.dll",
		},
		"target module missing": {
			setup: func(t *testing.T, fs afero.Fs, cfg *config.Config) {
				cfg.TargetAssembly = "Assembly-CSharp-firstpass"
			},
			step:      StepLoadModules,
			symbol:    "Assembly-CSharp-firstpass",
			wantErr:   loader.ErrModuleRead,
			installed: true,
		},
		"target type missing": {
			setup: func(t *testing.T, fs afero.Fs, cfg *config.Config) {
				cfg.TargetType = "Game.DebugDirector"
			},
			step:      StepFindTypes,
			symbol:    "Game.DebugDirector",
			wantErr:   cil.ErrTypeNotFound,
			installed: true,
		},
		"source type missing": {
			setup: func(t *testing.T, fs afero.Fs, cfg *config.Config) {
				cfg.SourceType = "DebugDirector"
			},
			step:      StepFindTypes,
			symbol:    "DebugDirector",
			wantErr:   cil.ErrTypeNotFound,
			installed: true,
		},
		"init missing": {
			setup: func(t *testing.T, fs afero.Fs, cfg *config.Config) {
				cfg.InitMethod = "Start"
			},
			step:      StepFindInit,
			symbol:    "SrDebugDirector::Start",
			wantErr:   cil.ErrMethodNotFound,
			installed: true,
		},
		"init is an instance method": {
			setup: func(t *testing.T, fs afero.Fs, cfg *config.Config) {
				cfg.InitMethod = "Show"
			},
			step:      StepFindInit,
			symbol:    "SrDebugDirector::Show",
			wantErr:   cil.ErrMethodNotFound,
			contains:  "calling convention: instance != static",
			installed: true,
		},
		"entry stub outside the runtime": {
			setup: func(t *testing.T, fs afero.Fs, cfg *config.Config) {
				data, err := afero.ReadFile(fs, targetPath)
				require.NoError(t, err)
				data = bytes.Replace(data, []byte("_CorDllMain"), []byte("_NotDllMain"), 1)
				require.NoError(t, afero.WriteFile(fs, targetPath, data, 0o644))
			},
			step:      StepCheckEntry,
			symbol:    targetPath,
			wantErr:   cil.ErrUnsupported,
			contains:  "does not jump into mscoree.dll",
			installed: true,
		},
		"write fails": {
			setup: func(t *testing.T, fs afero.Fs, cfg *config.Config) {
				// Update calls Log, so dropping Log leaves a dangling call.
				cfg.HookMethod = "Log"
			},
			step:      StepPersist,
			symbol:    targetPath,
			wantErr:   cil.ErrSerialization,
			installed: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			fs := newGame(t, targetAssembly(true))
			cfg := testConfig()
			tc.setup(t, fs, cfg)
			before, err := afero.ReadFile(fs, targetPath)
			require.NoError(t, err)

			res, err := Patch(newLoader(fs, cfg), cfg)
			assert.Nil(res)
			require.Error(t, err)

			var stepErr *StepError
			require.True(t, errors.As(err, &stepErr))
			assert.Equal(tc.step, stepErr.Step)
			assert.Equal(tc.symbol, stepErr.Symbol)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
			}
			if tc.contains != "" {
				assert.Contains(err.Error(), tc.contains)
			}

			after, err := afero.ReadFile(fs, targetPath)
			require.NoError(t, err)
			assert.Equal(before, after)

			exists, err := afero.Exists(fs, installedPath)
			require.NoError(t, err)
			assert.Equal(tc.installed, exists)
		})
	}
}

func TestStepError(t *testing.T) {
	assert := assert.New(t)
	err := &StepError{Step: StepFindInit, Symbol: "SrDebugDirector::Init", Err: cil.ErrMethodNotFound}

	assert.Equal("find init method (SrDebugDirector::Init): method not found", err.Error())
	assert.ErrorIs(err, cil.ErrMethodNotFound)
	assert.NotErrorIs(err, cil.ErrTypeNotFound)
	assert.Equal("step 42", Step(42).String())
}

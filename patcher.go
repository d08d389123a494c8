package patcher

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/srdebug/patcher/cil"
	"github.com/srdebug/patcher/internal/config"
	"github.com/srdebug/patcher/internal/loader"
)

// Result describes a completed patch.
type Result struct {
	// Path is where the target module was written.
	Path string
	// Hook is the method that now calls Callee, e.g. DebugDirector::Awake.
	Hook string
	// Callee is the imported init method as the target module names it.
	Callee string
	// Replaced reports whether an existing hook method was removed.
	Replaced bool
}

type Option func(*options)

type options struct {
	log zerolog.Logger
}

// WithLogger sets the logger Patch reports its steps to.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// Patch replaces the hook method of the target type with one that calls the
// init method of the source type and returns:
//
//	call void [source]SourceType::Init()
//	ret
//
// The companion module is installed into the managed directory first. The
// target module is only written when every other step succeeded, so a
// failed patch leaves it as it was. The error is a *StepError.
func Patch(l *loader.Loader, cfg *config.Config, opts ...Option) (*Result, error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log

	dataDir, err := l.LocateDataDirectory()
	if err != nil {
		return nil, &StepError{StepLocateData, cfg.Root, err}
	}
	if err := l.InstallCompanion(cfg.Companion); err != nil {
		return nil, &StepError{StepLocateData, cfg.Companion, err}
	}
	log.Debug().Str("path", dataDir).Msg("companion installed")

	target, err := l.Load(cfg.TargetAssembly)
	if err != nil {
		return nil, &StepError{StepLoadModules, cfg.TargetAssembly, err}
	}
	source, err := l.Load(cfg.SourceAssembly)
	if err != nil {
		return nil, &StepError{StepLoadModules, cfg.SourceAssembly, err}
	}
	if err := target.CheckEntryStub(); err != nil {
		return nil, &StepError{StepCheckEntry, target.Path, err}
	}

	targetType, err := target.Type(cfg.TargetType)
	if err != nil {
		return nil, &StepError{StepFindTypes, cfg.TargetType, err}
	}
	sourceType, err := source.Type(cfg.SourceType)
	if err != nil {
		return nil, &StepError{StepFindTypes, cfg.SourceType, err}
	}

	replaced := targetType.RemoveMethod(cfg.HookMethod)
	log.Debug().
		Str("type", targetType.FullName()).
		Str("method", cfg.HookMethod).
		Bool("existed", replaced).
		Msg("removed hook")

	initMethod, err := sourceType.Method(cfg.InitMethod)
	if err != nil {
		return nil, &StepError{StepFindInit, sourceType.FullName() + "::" + cfg.InitMethod, err}
	}
	if err := checkInit(initMethod); err != nil {
		return nil, &StepError{StepFindInit, initMethod.String(), err}
	}

	hook := targetType.AddVoidMethod(cfg.HookMethod, cil.Public)
	body, err := hook.Body()
	if err != nil {
		return nil, &StepError{StepCreateHook, hook.String(), err}
	}

	ref, err := target.ImportMethod(initMethod)
	if err != nil {
		return nil, &StepError{StepImportInit, initMethod.String(), err}
	}
	callee, err := target.MethodName(ref.Token)
	if err != nil {
		callee = ref.String()
	}
	log.Debug().Str("method", callee).Stringer("token", ref.Token).Msg("imported init method")

	if err := body.EmitCallThenReturn(ref); err != nil {
		return nil, &StepError{StepEmitCall, hook.String(), err}
	}

	if err := l.Persist(target); err != nil {
		return nil, &StepError{StepPersist, target.Path, err}
	}
	log.Info().
		Str("module", target.Name).
		Str("hook", hook.String()).
		Str("callee", callee).
		Msg("patched")

	return &Result{
		Path:     target.Path,
		Hook:     hook.String(),
		Callee:   callee,
		Replaced: replaced,
	}, nil
}

// checkInit rejects init methods that cannot be called with an empty
// stack and leave it empty.
func checkInit(m *cil.Method) error {
	sig, err := m.Signature()
	if err != nil {
		return err
	}
	if err := sig.Diff(cil.StaticVoid); err != nil {
		return fmt.Errorf("%w: %s is %s, want %s: %w", cil.ErrMethodNotFound, m, sig, cil.StaticVoid, err)
	}
	return nil
}

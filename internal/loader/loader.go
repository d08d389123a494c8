// Package loader finds the game's data directory and loads the managed
// modules inside it. A Loader caches what it loads, so each module is
// parsed once per run and every caller sees the same *cil.Module.
package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/srdebug/patcher/cil"
)

var (
	ErrDataDirectoryNotFound = errors.New("could not locate the data directory")
	ErrModuleRead            = errors.New("cannot read module")
)

// ManagedDir is the directory under the data directory that holds the
// managed modules.
const ManagedDir = "Managed"

// Loader loads modules from one game installation.
type Loader struct {
	fs         afero.Fs
	root       string
	candidates []string
	log        zerolog.Logger

	dataDir string
	modules map[string]*cil.Module
}

type Option func(*Loader)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Loader) {
		l.log = log
	}
}

// WithCandidates replaces the data directory candidates. They are relative
// to the root and tried in order.
func WithCandidates(dirs ...string) Option {
	return func(l *Loader) {
		l.candidates = dirs
	}
}

// New returns a Loader for the installation rooted at root.
func New(fs afero.Fs, root string, opts ...Option) *Loader {
	l := &Loader{
		fs:         fs,
		root:       root,
		candidates: []string{"Content/Resources/Data", "Resources/Data", "Data", "SlimeRancher_Data"},
		log:        zerolog.Nop(),
		modules:    make(map[string]*cil.Module),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LocateDataDirectory returns the first candidate that is an existing
// directory. The result is remembered.
func (l *Loader) LocateDataDirectory() (string, error) {
	if l.dataDir != "" {
		return l.dataDir, nil
	}
	for _, c := range l.candidates {
		dir := filepath.Join(l.root, c)
		ok, err := afero.IsDir(l.fs, dir)
		if err != nil || !ok {
			l.log.Debug().Str("path", dir).Msg("not a data directory")
			continue
		}
		l.log.Info().Str("path", dir).Msg("found data directory")
		l.dataDir = dir
		return dir, nil
	}
	return "", fmt.Errorf("%w under %s (tried %v)", ErrDataDirectoryNotFound, l.root, l.candidates)
}

func (l *Loader) managed() (string, error) {
	dir, err := l.LocateDataDirectory()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ManagedDir), nil
}

// ModulePath returns where the module called name lives.
func (l *Loader) ModulePath(name string) (string, error) {
	dir, err := l.managed()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name+".dll"), nil
}

// InstallCompanion copies src, relative to the root, into the managed
// directory, replacing any existing copy.
func (l *Loader) InstallCompanion(src string) error {
	dir, err := l.managed()
	if err != nil {
		return err
	}
	from := filepath.Join(l.root, src)
	to := filepath.Join(dir, filepath.Base(src))

	in, err := l.fs.Open(from)
	if err != nil {
		return fmt.Errorf("install companion: %w", err)
	}
	defer in.Close()

	out, err := l.fs.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("install companion: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("install companion: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("install companion: %w", err)
	}
	l.log.Info().Str("from", from).Str("path", to).Msg("installed companion module")
	return nil
}

// Load returns the module called name, reading and parsing it on first
// use. The file is read fully and closed before parsing. The loader is the
// module's resolver.
func (l *Loader) Load(name string) (*cil.Module, error) {
	if m, ok := l.modules[name]; ok {
		return m, nil
	}
	path, err := l.ModulePath(name)
	if err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrModuleRead, name, err)
	}
	m, err := cil.Read(data, cil.WithPath(path), cil.WithResolver(l))
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrModuleRead, name, err)
	}
	l.log.Debug().
		Str("module", m.Name).
		Str("path", path).
		Int("types", len(m.Types())).
		Msg("loaded module")

	l.modules[name] = m
	return m, nil
}

// Resolve implements cil.Resolver by loading from the managed directory.
func (l *Loader) Resolve(assemblyName string) (*cil.Module, error) {
	return l.Load(assemblyName)
}

// Persist writes m back to the path it was loaded from. The new contents
// go to a temporary file in the same directory first, so the original is
// untouched unless the whole module was written. The written file keeps
// the original's permissions.
func (l *Loader) Persist(m *cil.Module) (err error) {
	if m.Path == "" {
		return fmt.Errorf("%w: %s: module has no path", cil.ErrSerialization, m.Name)
	}
	dir, base := filepath.Split(m.Path)
	tmp, err := afero.TempFile(l.fs, dir, "."+base+".*")
	if err != nil {
		return fmt.Errorf("%w: %s: %w", cil.ErrSerialization, m.Path, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			l.fs.Remove(tmp.Name())
		}
	}()

	if err := m.Write(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: %s: %w", cil.ErrSerialization, m.Path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %s: %w", cil.ErrSerialization, m.Path, err)
	}
	if fi, err := l.fs.Stat(m.Path); err == nil {
		if err := l.fs.Chmod(tmp.Name(), fi.Mode().Perm()); err != nil {
			return fmt.Errorf("%w: %s: %w", cil.ErrSerialization, m.Path, err)
		}
	}
	if err := l.fs.Rename(tmp.Name(), m.Path); err != nil {
		return fmt.Errorf("%w: %s: %w", cil.ErrSerialization, m.Path, err)
	}
	l.log.Info().Str("module", m.Name).Str("path", m.Path).Msg("wrote module")
	return nil
}

// Command srdebug-patcher enables the debug menu of an installed game. Run
// it from the game directory; it takes no arguments. Settings can be
// changed with a srdebug-patcher.yaml (or .toml, .json) file in the working
// directory or SRDEBUG_* environment variables.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/term"

	"github.com/srdebug/patcher"
	"github.com/srdebug/patcher/internal/config"
	"github.com/srdebug/patcher/internal/loader"
)

func main() {
	code := run(afero.NewOsFs(), os.Stdout, os.Stderr)
	fmt.Fprintln(os.Stdout, "Press any key to exit . . . ")
	waitForKey(os.Stdin)
	os.Exit(code)
}

func run(fs afero.Fs, stdout, stderr io.Writer) int {
	log := zerolog.New(zerolog.ConsoleWriter{Out: stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(fs, ".")
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}
	lvl, _ := cfg.Level()
	log = log.Level(lvl)

	l := loader.New(fs, cfg.Root,
		loader.WithCandidates(cfg.DataDirs...),
		loader.WithLogger(log),
	)
	if _, err := patcher.Patch(l, cfg, patcher.WithLogger(log)); err != nil {
		var stepErr *patcher.StepError
		if errors.As(err, &stepErr) {
			log.Error().
				Err(stepErr.Err).
				Str("step", stepErr.Step.String()).
				Str("symbol", stepErr.Symbol).
				Msg("patch failed")
		} else {
			log.Error().Err(err).Msg("patch failed")
		}
		fmt.Fprintf(stdout, "Patching failed: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Debug mode should now be accessible.")
	return 0
}

// waitForKey returns after one keypress, or at once when stdin is closed.
func waitForKey(in *os.File) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		if state, err := term.MakeRaw(fd); err == nil {
			defer term.Restore(fd, state)
		}
	}
	var b [1]byte
	in.Read(b[:])
}

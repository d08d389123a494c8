package cil

import (
	"errors"
	"fmt"
	"strings"
)

// Signature is a method signature with its types rendered as names, so it
// can be compared across modules.
type Signature struct {
	Static bool
	Return string
	Params []string
}

// StaticVoid is the signature of a static method that takes no arguments
// and returns nothing.
var StaticVoid = Signature{Static: true, Return: "void"}

func (s Signature) String() string {
	prefix := ""
	if s.Static {
		prefix = "static "
	}
	return fmt.Sprintf("%s%s (%s)", prefix, s.Return, strings.Join(s.Params, ", "))
}

// Diff compares s against want and returns nil when they match, otherwise
// one joined error per difference.
func (s Signature) Diff(want Signature) error {
	return diffSignatures(s, want).Error()
}

type sigDifferences struct {
	Static *argDifference
	In     []*argDifference
	Out    *argDifference
}

func (d *sigDifferences) Error() error {
	errs := []error{}
	if d.Static != nil {
		errs = append(errs, fmt.Errorf("calling convention: %s != %s", d.Static.A, d.Static.B))
	}
	for i, arg := range d.In {
		if arg != nil {
			errs = append(errs, fmt.Errorf("argument %d: %s != %s", i, arg.A, arg.B))
		}
	}
	if d.Out != nil {
		errs = append(errs, fmt.Errorf("return: %s != %s", d.Out.A, d.Out.B))
	}

	return errors.Join(errs...)
}

type argDifference struct {
	A string
	B string
}

const missing = "<none>"

func diffSignatures(a, b Signature) *sigDifferences {
	diff := sigDifferences{}

	if a.Static != b.Static {
		diff.Static = &argDifference{A: convName(a.Static), B: convName(b.Static)}
	}

	n := max(len(a.Params), len(b.Params))
	diff.In = make([]*argDifference, n)
	for i := 0; i < n; i++ {
		at, bt := missing, missing
		if i < len(a.Params) {
			at = a.Params[i]
		}
		if i < len(b.Params) {
			bt = b.Params[i]
		}
		if at != bt {
			diff.In[i] = &argDifference{A: at, B: bt}
		}
	}

	if a.Return != b.Return {
		diff.Out = &argDifference{A: a.Return, B: b.Return}
	}

	return &diff
}

func convName(static bool) string {
	if static {
		return "static"
	}
	return "instance"
}

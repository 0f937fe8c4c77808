package pkgbatch

import (
	"fmt"
	"io"
)

// step prints a progress line in the "-> message" style.
func step(w io.Writer, format string, a ...any) {
	fmt.Fprint(w, colArrow.Sprint("-> "))
	fmt.Fprint(w, colSuccess.Sprintf(format, a...))
}

// fail prints a diagnostic line. Diagnostics share stdout with progress output.
func fail(w io.Writer, format string, a ...any) {
	fmt.Fprint(w, colArrow.Sprint("-> "))
	fmt.Fprint(w, colError.Sprintf(format, a...))
}

func warn(w io.Writer, format string, a ...any) {
	fmt.Fprint(w, colArrow.Sprint("-> "))
	fmt.Fprint(w, colWarn.Sprintf(format, a...))
}

// debugf prints debug messages when Debug is true
func debugf(w io.Writer, format string, args ...any) {
	if Debug {
		fmt.Fprintf(w, format, args...)
	}
}

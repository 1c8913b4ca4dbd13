package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
)

// Spinner shows progress for a long-running step on stderr. In debug mode it
// prints plain lines instead, since the animation would interleave with logs.
type Spinner struct {
	sp    *spinner.Spinner
	out   io.Writer
	debug bool
}

// NewSpinner starts a spinner with the given message.
func NewSpinner(debug bool, message string) *Spinner {
	s := &Spinner{debug: debug, out: os.Stderr}

	if !debug {
		// Use dots spinner style (CharSet 14)
		s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		s.sp.Prefix = "  "
		s.sp.Suffix = " " + message
		s.sp.Start()
	} else {
		fmt.Fprintf(s.out, "[DEBUG] %s\n", message)
	}

	return s
}

// Update replaces the message shown next to the spinner.
func (s *Spinner) Update(message string) {
	if !s.debug && s.sp != nil {
		s.sp.Lock()
		s.sp.Suffix = " " + message
		s.sp.Unlock()
	} else if s.debug {
		fmt.Fprintf(s.out, "[DEBUG] %s\n", message)
	}
}

// Success stops the spinner and prints a success message
func (s *Spinner) Success(message string) {
	if !s.debug && s.sp != nil {
		s.sp.Stop()
		fmt.Fprintf(s.out, "\r\033[K  ✓ %s\n", message) // \033[K clears the line
	} else if s.debug {
		fmt.Fprintf(s.out, "[DEBUG] ✓ %s\n", message)
	}
}

// Fail stops the spinner and prints an error message
func (s *Spinner) Fail(message string) {
	if !s.debug && s.sp != nil {
		s.sp.Stop()
		fmt.Fprintf(s.out, "\r\033[K  ✗ %s\n", message)
	} else if s.debug {
		fmt.Fprintf(s.out, "[DEBUG] ✗ %s\n", message)
	}
}

// Stop stops the spinner without printing anything
func (s *Spinner) Stop() {
	if !s.debug && s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K") // Clear the line
	}
}

package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/babelcloud/gbox/packages/remoteplay/internal/remoteplay/controller"
	"github.com/babelcloud/gbox/packages/remoteplay/internal/util"
)

const keyQuit = "quit"

// padKeys maps single keys to button names.
var padKeys = map[byte]string{
	'x':  "cross",
	'\r': "cross",
	'o':  "circle",
	0x7f: "circle", // Backspace
	's':  "square",
	't':  "triangle",
	'w':  "up",
	'a':  "left",
	'd':  "right",
	'z':  "down",
	'1':  "l1",
	'2':  "r1",
	'q':  "l2",
	'e':  "r2",
	'3':  "l3",
	'4':  "r3",
	'm':  "options",
	'h':  "share",
	' ':  "touchpad",
	'p':  "ps",
	0x03: keyQuit, // Ctrl+C
	0x04: keyQuit, // Ctrl+D
}

// Arrow keys arrive as ESC [ A..D.
var arrowKeys = map[byte]string{
	'A': "up",
	'B': "down",
	'C': "right",
	'D': "left",
}

type PadOptions struct {
	Session SessionOptions
	Hold    time.Duration
}

func NewPadCommand() *cobra.Command {
	opts := &PadOptions{}

	cmd := &cobra.Command{
		Use:   "pad [host]",
		Short: "Drive the console's controller from the keyboard",
		Long: `Put the terminal in raw mode and translate key presses into button presses:
  arrows/w a z d  D-pad        x/Enter  cross      o/Backspace  circle
  s  square       t  triangle  1/2  L1/R1        q/e  L2/R2
  3/4  L3/R3      m  options   h  share          space  touchpad
  p  PS           Ctrl+C  quit`,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: completeHostNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ExecutePad(cmd, hostArg(args), opts)
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.Hold, "hold", controller.DefaultPressDuration, "How long each key press holds the button")
	addSessionFlags(cmd, &opts.Session)

	return cmd
}

func ExecutePad(cmd *cobra.Command, host string, opts *PadOptions) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("pad needs an interactive terminal")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, _, err := startSession(ctx, host, &opts.Session)
	if err != nil {
		return err
	}
	defer sess.Destroy()

	// Save terminal state
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("failed to set terminal to raw mode: %v", err)
	}
	defer term.Restore(fd, oldState)

	out := cmd.OutOrStdout()
	fmt.Fprint(out, color.New(color.Faint).Sprint("Controller ready, Ctrl+C to quit.")+"\r\n")

	keys := make(chan string, 16)
	go readPadKeys(os.Stdin, keys)

	ctrl := sess.Controller()
	logger := util.GetLogger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case name, ok := <-keys:
			if !ok || name == keyQuit {
				fmt.Fprint(out, "\r\n")
				return nil
			}
			fmt.Fprintf(out, "%s\r\n", color.GreenString(name))
			go func(name string) {
				if err := ctrl.Press(ctx, name, opts.Hold); err != nil && ctx.Err() == nil {
					logger.Warn("Press failed", "button", name, "error", err)
				}
			}(name)
		}
	}
}

// readPadKeys decodes stdin into button names until it fails or a quit key
// arrives. It closes keys when done.
func readPadKeys(r io.Reader, keys chan<- string) {
	defer close(keys)
	buf := make([]byte, 64)
	for {
		n, err := r.Read(buf)
		for _, name := range decodePadKeys(buf[:n]) {
			keys <- name
			if name == keyQuit {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// decodePadKeys turns one read of raw terminal input into button names.
// Unmapped keys are ignored.
func decodePadKeys(b []byte) []string {
	var names []string
	for i := 0; i < len(b); i++ {
		if b[i] == 0x1b {
			if i+2 < len(b) && b[i+1] == '[' {
				if name, ok := arrowKeys[b[i+2]]; ok {
					names = append(names, name)
				}
				i += 2
				continue
			}
			// A lone Escape quits.
			if i+1 == len(b) {
				names = append(names, keyQuit)
			}
			continue
		}
		if name, ok := padKeys[b[i]]; ok {
			names = append(names, name)
		}
	}
	return names
}

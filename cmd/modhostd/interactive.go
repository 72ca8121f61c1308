package main

import (
	"fmt"
	"io"

	"github.com/pkg/term"

	"github.com/mod-host-go/modhostd/internal/server"
)

// runInteractive reads commands from the controlling terminal in raw
// mode and feeds each line through the same dispatcher as the TCP
// control socket. Returns when the user issues quit (nil) or the
// terminal cannot be opened. Readline-style completion is deliberately
// not provided; this is a minimal line discipline, not an editor.
func runInteractive(handler server.Handler, out io.Writer) error {
	t, err := term.Open("/dev/tty", term.RawMode)
	if err != nil {
		return err
	}
	defer t.Restore()
	defer t.Close()

	prompt := func() { fmt.Fprint(out, "modhostd> ") }
	prompt()

	var line []byte
	buf := make([]byte, 1)
	for {
		if _, err := t.Read(buf); err != nil {
			return err
		}
		c := buf[0]
		switch {
		case c == '\r' || c == '\n':
			fmt.Fprint(out, "\r\n")
			cmd := string(line)
			line = line[:0]
			if cmd == "" {
				prompt()
				continue
			}
			resp, quit := handler.HandleLine(cmd)
			if resp != "" {
				fmt.Fprintf(out, "%s\r\n", resp)
			}
			if quit {
				return nil
			}
			prompt()
		case c == 0x7F || c == 0x08: // backspace
			if len(line) > 0 {
				line = line[:len(line)-1]
				fmt.Fprint(out, "\b \b")
			}
		case c == 0x03 || c == 0x04: // ^C / ^D
			fmt.Fprint(out, "\r\n")
			return nil
		case c >= 0x20 && c < 0x7F:
			line = append(line, c)
			fmt.Fprintf(out, "%c", c)
		}
	}
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/browserlink/pkg/reconnect"
	"github.com/odvcencio/browserlink/pkg/remote"
)

var errQuit = errors.New("quit")

// controller is the part of the session the console drives.
type controller interface {
	Send(cmd remote.Command) bool
	LastFrame() *remote.Frame
	PageInfo() remote.PageInfo
	Active() bool
	Opens() int64
	FramesReceived() uint64
}

type consoleCommand struct {
	name string
	cmd  *remote.Command
	arg  string
}

// parseConsoleCommand turns one stdin line into a command. An empty line
// yields a zero consoleCommand.
func parseConsoleCommand(line string) (consoleCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return consoleCommand{}, nil
	}
	name := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
	with := func(c remote.Command) (consoleCommand, error) {
		return consoleCommand{name: name, cmd: &c}, nil
	}

	switch name {
	case "nav", "navigate", "go":
		if rest == "" {
			return consoleCommand{}, fmt.Errorf("usage: nav <url>")
		}
		return with(remote.Navigate(normalizeURL(rest)))
	case "click":
		if len(fields) != 3 {
			return consoleCommand{}, fmt.Errorf("usage: click <x> <y>")
		}
		x, errX := parseCoordinate(fields[1])
		y, errY := parseCoordinate(fields[2])
		if errX != nil || errY != nil {
			return consoleCommand{}, fmt.Errorf("click coordinates must be numbers")
		}
		return with(remote.Click(x, y))
	case "type":
		if rest == "" {
			return consoleCommand{}, fmt.Errorf("usage: type <text>")
		}
		return with(remote.TypeText(rest))
	case "scroll":
		if len(fields) != 2 {
			return consoleCommand{}, fmt.Errorf("usage: scroll <deltaY>")
		}
		dy, err := parseCoordinate(fields[1])
		if err != nil {
			return consoleCommand{}, fmt.Errorf("scroll delta must be a number")
		}
		return with(remote.Scroll(dy))
	case "key", "press":
		if len(fields) != 2 {
			return consoleCommand{}, fmt.Errorf("usage: key <name>")
		}
		return with(remote.PressKey(fields[1]))
	case "shot", "screenshot":
		return with(remote.GetScreenshot())
	case "stream":
		switch {
		case len(fields) == 2 && fields[1] == "on":
			return with(remote.StartStreaming())
		case len(fields) == 2 && fields[1] == "off":
			return with(remote.StopStreaming())
		}
		return consoleCommand{}, fmt.Errorf("usage: stream on|off")
	case "save":
		if rest == "" {
			return consoleCommand{}, fmt.Errorf("usage: save <file>")
		}
		return consoleCommand{name: name, arg: rest}, nil
	case "status", "help", "quit", "exit", ":q":
		return consoleCommand{name: name}, nil
	}
	return consoleCommand{}, fmt.Errorf("unknown command %q (try help)", fields[0])
}

// parseCoordinate accepts finite decimal numbers only.
func parseCoordinate(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not finite", raw)
	}
	return v, nil
}

func normalizeURL(raw string) string {
	if strings.Contains(raw, "://") || strings.HasPrefix(raw, "about:") {
		return raw
	}
	return "https://" + raw
}

// console reads commands from in until EOF, quit or ctx ends.
type console struct {
	session controller
	state   func() reconnect.State
	out     io.Writer
}

func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := c.exec(line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(c.out, "! %v\n", err)
			}
		}
	}
}

func (c *console) exec(line string) error {
	parsed, err := parseConsoleCommand(line)
	if err != nil {
		return err
	}
	switch {
	case parsed.name == "":
		return nil
	case parsed.cmd != nil:
		if !c.session.Send(*parsed.cmd) {
			fmt.Fprintf(c.out, "~ %s dropped (not connected)\n", parsed.cmd.Type)
		}
		return nil
	}
	switch parsed.name {
	case "save":
		path, n, err := saveFrame(c.session.LastFrame(), parsed.arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "saved %d bytes to %s\n", n, path)
	case "status":
		fmt.Fprintln(c.out, c.status())
	case "help":
		fmt.Fprintln(c.out, "nav <url> | click <x> <y> | type <text> | scroll <dy> | key <name> | shot | stream on|off | save <file> | status | quit")
	case "quit", "exit", ":q":
		return errQuit
	}
	return nil
}

func (c *console) status() string {
	page := c.session.PageInfo()
	connected := "disconnected"
	if c.session.Active() {
		connected = "connected"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s opens=%d frames=%d", connected, c.session.Opens(), c.session.FramesReceived())
	if c.state != nil {
		if st := c.state(); st.Failures > 0 {
			fmt.Fprintf(&b, " failures=%d next=%s", st.Failures, st.NextDelay.Round(time.Millisecond))
		}
	}
	if page.URL != "" {
		fmt.Fprintf(&b, " page=%q %s", page.Title, page.URL)
	}
	return b.String()
}

// saveFrame writes the decoded frame to path, adding an extension when path
// has none.
func saveFrame(frame *remote.Frame, path string) (string, int, error) {
	if frame == nil {
		return "", 0, fmt.Errorf("no screenshot received yet")
	}
	img, err := frame.Decode()
	if err != nil {
		return "", 0, err
	}
	if filepath.Ext(path) == "" {
		path += frame.Extension()
	}
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return "", 0, err
	}
	return path, len(img), nil
}

// formatEvent renders an event as one console line; "" skips it.
func formatEvent(ev remote.Event) string {
	switch ev.Kind {
	case remote.EventOpened:
		return fmt.Sprintf("* connected via %s (%s)", ev.Transport, ev.Target)
	case remote.EventClosed:
		if ev.Err != nil && !errors.Is(ev.Err, context.Canceled) {
			return fmt.Sprintf("* disconnected: %v", ev.Err)
		}
		return "* disconnected"
	case remote.EventReconnecting:
		return fmt.Sprintf("* reconnecting in %s (failure %d)", ev.Delay.Round(time.Millisecond), ev.Failures)
	case remote.EventScreenshot:
		if ev.Frame == nil {
			return ""
		}
		return fmt.Sprintf("  frame #%d (%d chars)", ev.Frame.Seq, len(ev.Frame.Data))
	case remote.EventPageInfoChanged:
		if ev.PageInfo == nil {
			return ""
		}
		return fmt.Sprintf("  page %q %s", ev.PageInfo.Title, ev.PageInfo.URL)
	case remote.EventCommandResult:
		return fmt.Sprintf("  ok %s", ev.Command)
	case remote.EventRemoteError:
		return fmt.Sprintf("! remote: %s", ev.Message)
	}
	return ""
}

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printHelp(stderr)
		return exitUsage
	}
	switch args[0] {
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "browserlink %s (%s)\n", version, commit)
		return 0
	case "--help", "-h", "help":
		printHelp(stdout)
		return 0
	case "attach":
		return runCommand(stderr, func() error { return runAttach(args[1:], stdin, stdout, stderr) })
	case "token":
		return runCommand(stderr, func() error { return runToken(args[1:], stdout, stderr) })
	default:
		if strings.HasPrefix(args[0], "-") {
			fmt.Fprintf(stderr, "Error: unknown flag: %s\n", args[0])
		} else {
			fmt.Fprintf(stderr, "Error: unknown command: %s\n", args[0])
		}
		fmt.Fprintln(stderr, "Run 'browserlink --help' for usage.")
		return exitUsage
	}
}

func runCommand(stderr io.Writer, handler func() error) int {
	if err := handler(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		for _, tip := range bkerrors.Remediation(err) {
			fmt.Fprintf(stderr, "  hint: %s\n", tip)
		}
		return exitCodeForError(err)
	}
	return 0
}

func printHelp(w io.Writer) {
	fmt.Fprint(w, `browserlink - drive a remote browser session

Usage:
  browserlink attach [flags]   connect, print events, read commands from stdin
  browserlink token [flags]    show, refresh or clear the cached credential
  browserlink version

Attach flags:
  --url URL             remote host (or BROWSERLINK_URL)
  --config PATH         config file instead of ~/.browserlink and ./.browserlink
  --token TOKEN         static credential (or BROWSERLINK_TOKEN)
  --anonymous           connect without a credential when none can be obtained
  --store KIND          credential store: file, sqlite, memory
  --metrics-addr ADDR   serve prometheus metrics on ADDR
  --trace               print spans to stderr
  --log-level LEVEL     debug, info, warn, error
  --log-format FORMAT   text or json

Console commands:
  nav <url>            click <x> <y>       type <text>       scroll <dy>
  key <name>           shot                stream on|off     save <file>
  status               help                quit
`)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/odvcencio/browserlink/pkg/coordinator"
	"github.com/odvcencio/browserlink/pkg/credential"
)

type tokenOptions struct {
	commonOptions
	Refresh bool
	Clear   bool
	Show    bool
}

func parseTokenFlags(args []string, stderr io.Writer) (*tokenOptions, error) {
	opts := &tokenOptions{}
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts.register(fs)
	fs.BoolVar(&opts.Refresh, "refresh", false, "discard the cached credential and mint a new one")
	fs.BoolVar(&opts.Clear, "clear", false, "discard the cached credential")
	fs.BoolVar(&opts.Show, "show", false, "print the full token instead of a redacted form")
	if err := fs.Parse(args); err != nil {
		return nil, withExitCode(err, exitUsage)
	}
	if fs.NArg() > 0 {
		return nil, withExitCode(fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " ")), exitUsage)
	}
	if opts.Refresh && opts.Clear {
		return nil, withExitCode(fmt.Errorf("--refresh and --clear are mutually exclusive"), exitUsage)
	}
	return opts, nil
}

func runToken(args []string, stdout, stderr io.Writer) error {
	opts, err := parseTokenFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.commonOptions)
	if err != nil {
		return err
	}
	cfg.Log.Dir = ""
	logger, err := newLogger(cfg, "", stderr)
	if err != nil {
		return err
	}
	defer logger.Close()

	provider, err := coordinator.NewProvider(cfg, coordinator.Deps{Logger: logger.Logger})
	if err != nil {
		return err
	}
	defer provider.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if opts.Clear || opts.Refresh {
		if err := provider.Invalidate(ctx); err != nil {
			return err
		}
		if opts.Clear {
			fmt.Fprintln(stdout, "credential cleared")
			return nil
		}
	}

	cred, err := provider.EnsureCredential(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, describeCredential(cred, opts.Show, time.Now()))
	return nil
}

func describeCredential(cred credential.Credential, full bool, now time.Time) string {
	token := cred.Redacted()
	if full {
		token = cred.Token
	}
	if cred.ExpiresAt.IsZero() {
		return fmt.Sprintf("%s (no expiry)", token)
	}
	return fmt.Sprintf("%s (expires %s, in %s)", token,
		cred.ExpiresAt.UTC().Format(time.RFC3339), cred.ExpiresAt.Sub(now).Round(time.Second))
}

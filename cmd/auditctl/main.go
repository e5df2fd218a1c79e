// Command auditctl submits and inspects website audits on an auditbuddy
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"auditbuddy/internal/domain"
)

const usage = `usage: auditctl [-server URL] [-user ID] <command> [args]

commands:
  submit [-wait] [-timeout 60s] <url>   start an audit
  status <id>                           show an audit
  watch <id>                            stream progress until the audit finishes
  cancel <id>                           cancel a running audit
  rerun <id>                            audit the same URL again
  list [-limit N]                       list your audits
  profile <domain>                      latest scores for a domain
`

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("auditctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	server := fs.String("server", getenv("AUDITBUDDY_SERVER", "http://localhost:8080"), "server base URL")
	user := fs.String("user", getenv("AUDITBUDDY_USER", ""), "user id sent as X-User-ID")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w\n%s", err, usage)
	}
	if fs.NArg() == 0 {
		return errors.New(usage)
	}
	c := newClient(*server, *user)
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	switch cmd {
	case "submit":
		sub := flag.NewFlagSet("submit", flag.ContinueOnError)
		sub.SetOutput(io.Discard)
		wait := sub.Bool("wait", false, "block until the audit finishes")
		timeout := sub.Duration("timeout", 60*time.Second, "how long to wait")
		if err := sub.Parse(rest); err != nil {
			return err
		}
		if sub.NArg() != 1 {
			return errors.New("submit needs exactly one url")
		}
		a, err := c.submit(ctx, sub.Arg(0), *wait, *timeout)
		if err != nil {
			return err
		}
		printAudit(out, a)
	case "status":
		id, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		a, err := c.status(ctx, id)
		if err != nil {
			return err
		}
		printAudit(out, a)
	case "watch":
		id, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		if err := c.watch(ctx, id, func(ev domain.ProgressEvent) { printEvent(out, ev) }); err != nil {
			return err
		}
		a, err := c.status(ctx, id)
		if err != nil {
			return err
		}
		printAudit(out, a)
	case "cancel":
		id, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		ok, err := c.cancel(ctx, id)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintln(out, color.GreenString("cancelled %s", id))
		} else {
			fmt.Fprintln(out, color.YellowString("%s already finished", id))
		}
	case "rerun":
		id, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		a, err := c.rerun(ctx, id)
		if err != nil {
			return err
		}
		printAudit(out, a)
	case "list":
		sub := flag.NewFlagSet("list", flag.ContinueOnError)
		sub.SetOutput(io.Discard)
		limit := sub.Int("limit", 20, "maximum audits to show")
		if err := sub.Parse(rest); err != nil {
			return err
		}
		list, err := c.list(ctx, *limit)
		if err != nil {
			return err
		}
		printList(out, list)
	case "profile":
		name, err := oneArg(cmd, rest)
		if err != nil {
			return err
		}
		p, err := c.profile(ctx, name)
		if err != nil {
			return err
		}
		printProfile(out, p)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
	return nil
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s needs exactly one argument", cmd)
	}
	return args[0], nil
}

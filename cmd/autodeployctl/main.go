package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/splax/autodeploy/internal/deployconf"
	"github.com/splax/autodeploy/internal/event"
	"github.com/splax/autodeploy/internal/hooks"
	"github.com/splax/autodeploy/internal/lock"
	"github.com/splax/autodeploy/internal/service/deploy"
	"github.com/splax/autodeploy/internal/workspace"
	apiclient "github.com/splax/autodeploy/pkg/api/client"
	"github.com/splax/autodeploy/pkg/config"
)

var buildVersion = "dev"

const requestTimeout = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	out := newPrinter(os.Stdout)

	var err error
	switch cmd {
	case "check":
		err = commandCheck(out, args)
	case "send":
		err = commandSend(out, args)
	case "history":
		err = commandHistory(out, args)
	case "show":
		err = commandShow(out, args)
	case "watch":
		err = commandWatch(out, args)
	case "prune":
		err = commandPrune(out, args)
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// CheckReport is the dry-run verdict for one payload.
type CheckReport struct {
	Decision   deploy.Decision   `json:"decision"`
	DeployURL  string            `json:"deploy_url,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	Evaluation *hooks.Evaluation `json:"evaluation,omitempty"`
}

func commandCheck(out *printer, args []string) error {
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	cfgPath := fs.StringP("config", "c", config.GetString("AUTODEPLOY_CONFIG", "config.json"), "deployment document")
	payloadPath := fs.StringP("payload", "p", "-", "payload file, - for stdin")
	asJSON := fs.Bool("json", false, "force JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	out.forceJSON = *asJSON

	doc, err := deployconf.Load(*cfgPath)
	if err != nil {
		return err
	}
	body, err := readInput(*payloadPath)
	if err != nil {
		return err
	}
	p, err := event.Parse(body)
	if err != nil {
		return err
	}
	report := buildCheckReport(doc, p)
	return out.check(report, doc.Warnings())
}

func buildCheckReport(doc *deployconf.Config, p event.Payload) CheckReport {
	decision, _, target := deploy.Evaluate(doc, p)
	report := CheckReport{Decision: decision}
	if target != nil {
		eval := hooks.Evaluate(p.Raw, target.Hooks)
		report.Evaluation = &eval
		report.DeployURL = target.DeployURL
		report.Branch = doc.BranchFor(target)
	}
	return report
}

func commandSend(out *printer, args []string) error {
	fs := pflag.NewFlagSet("send", pflag.ContinueOnError)
	agent := fs.String("agent", defaultAgent(), "agent base URL")
	payloadPath := fs.StringP("payload", "p", "-", "payload file, - for stdin")
	asJSON := fs.Bool("json", false, "force JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	out.forceJSON = *asJSON

	body, err := readInput(*payloadPath)
	if err != nil {
		return err
	}
	if _, err := event.Parse(body); err != nil {
		return err
	}
	client, err := apiclient.New(*agent)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	decision, err := client.SendEvent(ctx, body)
	if err != nil {
		return err
	}
	return out.decision(decision)
}

func commandHistory(out *printer, args []string) error {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	agent := fs.String("agent", defaultAgent(), "agent base URL")
	repo := fs.StringP("repository", "r", "", "only this repository")
	limit := fs.IntP("limit", "n", 20, "maximum number of deployments")
	asJSON := fs.Bool("json", false, "force JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	out.forceJSON = *asJSON

	client, err := apiclient.New(*agent)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	deployments, err := client.ListDeployments(ctx, *repo, *limit)
	if err != nil {
		return err
	}
	return out.history(deployments)
}

func commandShow(out *printer, args []string) error {
	fs := pflag.NewFlagSet("show", pflag.ContinueOnError)
	agent := fs.String("agent", defaultAgent(), "agent base URL")
	asJSON := fs.Bool("json", false, "force JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	out.forceJSON = *asJSON
	if fs.NArg() != 1 {
		return errors.New("usage: autodeployctl show <attempt-id>")
	}

	client, err := apiclient.New(*agent)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	d, err := client.GetDeployment(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return out.deployment(d)
}

func commandWatch(out *printer, args []string) error {
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	agent := fs.String("agent", defaultAgent(), "agent base URL")
	repo := fs.StringP("repository", "r", "", "only this repository")
	asJSON := fs.Bool("json", false, "force JSON output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	out.forceJSON = *asJSON

	client, err := apiclient.New(*agent)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = client.Watch(ctx, *repo, out.streamEvent)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func commandPrune(out *printer, args []string) error {
	cfg := config.LoadAgentConfig()
	fs := pflag.NewFlagSet("prune", pflag.ContinueOnError)
	reposDir := fs.String("repos-dir", cfg.ReposDir, "directory holding working copies")
	wait := fs.Duration("wait", 30*time.Second, "how long to wait for a running deploy to finish")
	force := fs.Bool("force", false, "remove without the repository lock")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: autodeployctl prune <repository>...")
	}
	wsm, err := workspace.New(*reposDir)
	if err != nil {
		return err
	}

	var locker lock.Locker
	switch {
	case *force:
	case cfg.RedisAddr != "":
		quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
		redisLock, err := lock.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.LockTTL, quiet)
		if err != nil {
			return fmt.Errorf("connect to redis for the repository lock (use --force to skip): %w", err)
		}
		defer redisLock.Close()
		locker = redisLock
	default:
		fmt.Fprintln(os.Stderr, "warning: REDIS_ADDR not set, a deploy running in the agent is not waited for")
	}
	return prune(out.w, wsm, locker, *wait, fs.Args())
}

// prune removes each named working copy while holding its repository lock,
// the same lock the agent takes around a deploy. A nil locker removes
// without locking.
func prune(w io.Writer, wsm *workspace.Manager, locker lock.Locker, wait time.Duration, names []string) error {
	for _, name := range names {
		exists, err := wsm.Exists(name)
		if err != nil {
			return err
		}
		if !exists {
			fmt.Fprintf(w, "%s: no working copy\n", name)
			continue
		}
		release := func() {}
		if locker != nil {
			ctx, cancel := context.WithTimeout(context.Background(), wait)
			release, err = locker.Acquire(ctx, name)
			cancel()
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		err = wsm.Remove(name)
		release()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(w, "%s: removed\n", name)
	}
	return nil
}

func defaultAgent() string {
	return config.GetString("AUTODEPLOY_URL", "http://localhost:8080")
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "autodeployctl %s\n\n", buildVersion)
	fmt.Fprint(w, `Usage:
	autodeployctl check [--config config.json] [--payload event.json]
	autodeployctl send [--agent http://localhost:8080] [--payload event.json]
	autodeployctl history [--agent URL] [--repository name] [--limit N]
	autodeployctl show [--agent URL] <attempt-id>
	autodeployctl watch [--agent URL] [--repository name]
	autodeployctl prune [--repos-dir ./repos] [--wait 30s] [--force] <repository>...
	autodeployctl version

Output is a table on a terminal and JSON otherwise; --json forces JSON.
`)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/plcgw/internal/client"
	"github.com/mattjoyce/plcgw/internal/history"
	"github.com/mattjoyce/plcgw/internal/lifecycle"
	"github.com/mattjoyce/plcgw/internal/tui"
)

const defaultAPIURL = "http://localhost:8080"

// remoteFlags registers the connection flags shared by every command that
// talks to a running gateway.
func remoteFlags(fs *flag.FlagSet) func() *client.Client {
	url := fs.String("url", envOr("PLCGW_URL", defaultAPIURL), "Gateway API URL (or PLCGW_URL)")
	token := fs.String("token", os.Getenv("PLCGW_TOKEN"), "API bearer token (or PLCGW_TOKEN)")
	return func() *client.Client {
		return client.New(*url, *token)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// signalContext is cancelled on SIGINT/SIGTERM. Leaving an upload this way
// only stops waiting; a build the gateway accepted keeps running there.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	connect := remoteFlags(fs)
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := connect().Status(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(st)
	}
	printStatus(os.Stdout, st)
	return 0
}

func printStatus(w io.Writer, st *lifecycle.Status) {
	if st.Running {
		fmt.Fprintf(w, "Runtime:     running (pid %d)\n", st.PID)
	} else {
		fmt.Fprintln(w, "Runtime:     stopped")
	}
	state := string(st.BuildState)
	if state == "" {
		state = "-"
	}
	if st.Building {
		state += " (building)"
	}
	fmt.Fprintf(w, "Build:       %s\n", state)
	if st.LastRun != nil {
		fmt.Fprintf(w, "Last run:    %s %s (%s)\n", st.LastRun.ID, st.LastRun.Source.Name, st.LastRun.Outcome)
	}
	if st.ExecutableHash != "" {
		fmt.Fprintf(w, "Executable:  blake3:%s\n", st.ExecutableHash)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error:\n%s\n", indent(st.LastError))
	}
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	connect := remoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(tui.NewMonitor(connect()), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runRuntimeStart(args []string) int {
	return runtimeAction("start", args, (*client.Client).StartRuntime)
}

func runRuntimeStop(args []string) int {
	return runtimeAction("stop", args, (*client.Client).StopRuntime)
}

func runtimeAction(name string, args []string, call func(*client.Client, context.Context) (*lifecycle.Status, error)) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	connect := remoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := call(connect(), ctx)
	if err != nil {
		if client.IsBusy(err) {
			fmt.Fprintln(os.Stderr, "A build is in progress; try again when it finishes.")
			return 1
		}
		fmt.Fprintf(os.Stderr, "Runtime %s failed: %v\n", name, err)
		return 1
	}
	printStatus(os.Stdout, st)
	return 0
}

func runRuntimeLog(args []string) int {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	connect := remoteFlags(fs)
	limit := fs.Int("limit", 20, "Maximum number of entries to show")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := connect().RuntimeLog(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reading runtime log failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(entries)
	}
	printRuntimeLog(os.Stdout, entries)
	return 0
}

func printRuntimeLog(w io.Writer, entries []history.RuntimeEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No runtime actions recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tPID\tEXIT\tDETAIL")
	for _, e := range entries {
		pid, exit := "-", "-"
		if e.PID > 0 {
			pid = strconv.Itoa(e.PID)
		}
		if e.ExitCode != nil {
			exit = strconv.Itoa(*e.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Action, pid, exit, firstLine(e.Detail))
	}
	_ = tw.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func runProgramUpload(args []string) int {
	path, rest := splitPositional(args)
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	connect := remoteFlags(fs)
	if err := fs.Parse(rest); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Usage: plcgw program upload <file.st> [--url URL] [--token T]")
		return 1
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Cannot read program: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Uploading %s, waiting for the build...\n", path)
	resp, err := connect().UploadProgram(ctx, path)
	if err != nil {
		var apiErr *client.APIError
		switch {
		case ctx.Err() != nil:
			fmt.Fprintln(os.Stderr, "Stopped waiting. If the upload was accepted the build continues on the gateway; see 'plcgw build list'.")
		case client.IsBusy(err):
			fmt.Fprintln(os.Stderr, "Rejected: a build is already in progress.")
		case errors.As(err, &apiErr) && apiErr.Run != nil:
			run := apiErr.Run
			fmt.Fprintf(os.Stderr, "Build %s failed at stage %s.\n", run.ID, run.Stage)
			if run.Diagnostic != "" {
				fmt.Fprintln(os.Stderr, indent(run.Diagnostic))
			}
		default:
			fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
		}
		return 1
	}

	fmt.Printf("Build %s succeeded.\n", resp.Run.ID)
	printStatus(os.Stdout, &resp.Status)
	return 0
}

func runBuildList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	connect := remoteFlags(fs)
	limit := fs.Int("limit", 20, "Maximum number of builds to show")
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runs, err := connect().ListBuilds(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Listing builds failed: %v\n", err)
		return 1
	}
	if *jsonOut {
		return printJSON(runs)
	}
	printBuilds(os.Stdout, runs)
	return 0
}

func printBuilds(w io.Writer, runs []history.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No builds recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROGRAM\tSTAGE\tOUTCOME\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Source.Name, r.Stage, r.Outcome, r.StartedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Encode failed: %v\n", err)
		return 1
	}
	return 0
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

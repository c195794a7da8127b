package main

import (
	"fmt"
	"os"
	"strings"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	os.Exit(run(os.Args[1], os.Args[2:]))
}

func run(cmd string, args []string) int {
	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "runtime":
		return runRuntimeNoun(args)
	case "program":
		return runProgramNoun(args)
	case "build":
		return runBuildNoun(args)
	case "config":
		return runConfigNoun(args)

	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		fmt.Printf("plcgw version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`plcgw - PLC runtime supervisor and program build gateway

Usage:
  plcgw <noun> <action> [flags]

Core Resources (Nouns):
  system    Gateway lifecycle and health
  runtime   The supervised PLC runtime process
  program   Control program uploads
  build     Build history
  config    Configuration and preflight checks

System Commands:
  system start          Start the gateway service in foreground
  system status         Show runtime and build state of a running gateway
  system monitor        Open the live monitor console

Runtime Commands:
  runtime start         Start the runtime
  runtime stop          Stop the runtime
  runtime log           Show recent runtime starts, stops and exits

Program Commands:
  program upload <file> Upload a .st program, rebuild and relaunch

Build Commands:
  build list            Show recent builds
  build inspect <id>    Show one build, its diagnostic and workspace files

Config Commands:
  config check          Validate configuration and the files it points at
  config show           Print the resolved configuration

General:
  version               Show version information
  help                  Show this help message

Use 'plcgw <noun> help' for resource-specific flags.
`)
}

type action struct {
	run  func([]string) int
	help string
}

// dispatch runs a noun's action, handling help tokens the same way for
// every noun.
func dispatch(noun string, actions map[string]action, order []string, args []string) int {
	printNounHelp := func(w *os.File) {
		fmt.Fprintf(w, "Usage: plcgw %s <action> [flags]\n", noun)
		fmt.Fprintln(w, "Actions:")
		for _, name := range order {
			fmt.Fprintf(w, "  %s\n", actions[name].help)
		}
	}

	if len(args) < 1 {
		printNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printNounHelp(os.Stdout)
		return 0
	}

	a, ok := actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	if hasHelpFlag(args[1:]) {
		fmt.Println("Usage: plcgw " + noun + " " + a.help)
		return 0
	}
	return a.run(args[1:])
}

func runSystemNoun(args []string) int {
	return dispatch("system", map[string]action{
		"start":   {runStart, "start [--config PATH]            run the gateway in the foreground"},
		"status":  {runStatus, "status [--url URL] [--token T]   show runtime and build state"},
		"monitor": {runMonitor, "monitor [--url URL] [--token T]  open the live monitor console"},
	}, []string{"start", "status", "monitor"}, args)
}

func runRuntimeNoun(args []string) int {
	return dispatch("runtime", map[string]action{
		"start": {runRuntimeStart, "start [--url URL] [--token T]  start the runtime"},
		"stop":  {runRuntimeStop, "stop [--url URL] [--token T]   stop the runtime"},
		"log":   {runRuntimeLog, "log [--limit N] [--json] [--url URL] [--token T]  show recent starts, stops and exits"},
	}, []string{"start", "stop", "log"}, args)
}

func runProgramNoun(args []string) int {
	return dispatch("program", map[string]action{
		"upload": {runProgramUpload, "upload <file.st> [--url URL] [--token T]  build and install a program"},
	}, []string{"upload"}, args)
}

func runBuildNoun(args []string) int {
	return dispatch("build", map[string]action{
		"list":    {runBuildList, "list [--limit N] [--json] [--url URL] [--token T]  show recent builds"},
		"inspect": {runBuildInspect, "inspect <run_id> [--config PATH] [--json]         show one build in detail"},
	}, []string{"list", "inspect"}, args)
}

func runConfigNoun(args []string) int {
	return dispatch("config", map[string]action{
		"check": {runConfigCheck, "check [--config PATH] [--format human|json] [--strict]  validate configuration"},
		"show":  {runConfigShow, "show [--config PATH] [--json]                          print resolved configuration"},
	}, []string{"check", "show"}, args)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// splitPositional pulls the first non-flag argument out of args so flags may
// follow it, as in 'plcgw build inspect <id> --json'. Flags not named in
// boolFlags are assumed to take a separate value.
func splitPositional(args []string, boolFlags ...string) (string, []string) {
	isBool := func(arg string) bool {
		name := strings.TrimLeft(arg, "-")
		for _, b := range boolFlags {
			if name == b {
				return true
			}
		}
		return false
	}

	var positional string
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case strings.HasPrefix(arg, "-"):
			rest = append(rest, arg)
			if !strings.Contains(arg, "=") && !isBool(arg) && i+1 < len(args) {
				i++
				rest = append(rest, args[i])
			}
		case positional == "":
			positional = arg
		default:
			rest = append(rest, arg)
		}
	}
	return positional, rest
}

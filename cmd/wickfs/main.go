// Command wickfs is the sandbox-side CLI a RemoteFS shells out to. Every
// subcommand prints exactly one JSON envelope to stdout — {"ok":true,
// "data":...} or {"ok":false,"error":...} — so wickfs.ParseWickfsResponse
// on the harness side can read it back regardless of what a shell wrapper
// (motd, profile scripts, docker exec noise) writes before it.
package main

import (
	"fmt"
	"os"
)

var subcommands = map[string]func([]string){
	"ls":    cmdLs,
	"read":  cmdRead,
	"write": cmdWrite,
	"edit":  cmdEdit,
	"grep":  cmdGrep,
	"glob":  cmdGlob,
	"exec":  cmdExec,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	run, ok := subcommands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "wickfs: unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	run(os.Args[2:])
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: wickfs <command> [args...]")
	fmt.Fprintln(os.Stderr, "commands: ls, read, write, edit, grep, glob, exec")
}

package main

import (
	"context"
	"strings"

	"deepagent/wickfs"
)

func cmdExec(args []string) {
	if len(args) < 1 {
		writeError("usage: wickfs exec <command>")
		return
	}

	result, err := wickfs.NewLocalFS().Exec(context.Background(), strings.Join(args, " "))
	if err != nil {
		writeError(err.Error())
		return
	}
	writeOK(result)
}

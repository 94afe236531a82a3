package main

import (
	"context"

	"deepagent/wickfs"
)

func cmdGrep(args []string) {
	if len(args) < 1 {
		writeError("usage: wickfs grep <pattern> [path]")
		return
	}

	dir := "."
	if len(args) > 1 && args[1] != "" {
		dir = args[1]
	}

	result, err := wickfs.NewLocalFS().Grep(context.Background(), args[0], dir)
	if err != nil {
		writeError(err.Error())
		return
	}
	writeOK(result)
}

package main

import (
	"context"
	"io"
	"os"

	"deepagent/wickfs"
)

func cmdWrite(args []string) {
	if len(args) < 1 {
		writeError("usage: wickfs write <path> (content on stdin)")
		return
	}

	content, err := io.ReadAll(os.Stdin)
	if err != nil {
		writeError("read stdin: " + err.Error())
		return
	}

	result, err := wickfs.NewLocalFS().WriteFile(context.Background(), args[0], string(content))
	if err != nil {
		writeError(err.Error())
		return
	}
	writeOK(result)
}

package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"deepagent/wickfs"
)

type editRequest struct {
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

func cmdEdit(args []string) {
	if len(args) < 1 {
		writeError("usage: wickfs edit <path> (JSON {old_text, new_text} on stdin)")
		return
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		writeError("read stdin: " + err.Error())
		return
	}

	var req editRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError("invalid JSON input: " + err.Error())
		return
	}

	result, err := wickfs.NewLocalFS().EditFile(context.Background(), args[0], req.OldText, req.NewText)
	if err != nil {
		writeError(err.Error())
		return
	}
	writeOK(result)
}

package main

import "os"

type dirEntryOut struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

func cmdLs(args []string) {
	dir := "."
	if len(args) > 0 && args[0] != "" {
		dir = args[0]
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		writeError(err.Error())
		return
	}

	out := make([]dirEntryOut, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, dirEntryOut{Name: e.Name(), Type: entryKind(e, info), Size: info.Size()})
	}
	writeOK(out)
}

func entryKind(e os.DirEntry, info os.FileInfo) string {
	switch {
	case e.IsDir():
		return "dir"
	case info.Mode()&os.ModeSymlink != 0:
		return "symlink"
	default:
		return "file"
	}
}

package command

import (
	"bufio"
	"strings"
)

// File is a print file stored on the printer.
type File struct {
	Internal string // name used in goprint
	Name     string // name shown to the user
}

// ParseFileList parses getfile output. Each useful line is
// "<internal name>:<file name>"; other lines are ignored.
func ParseFileList(output string) []File {
	var files []File
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		internal, name, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		internal = strings.TrimSpace(internal)
		name = strings.TrimSpace(name)
		if internal == "" || name == "" || strings.ContainsAny(internal, " \t") {
			continue
		}
		files = append(files, File{Internal: internal, Name: name})
	}
	return files
}

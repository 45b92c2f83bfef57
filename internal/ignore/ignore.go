package ignore

import (
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/synclite/synclite/internal/workspace"
)

const ignoreFileName = ".syncignore"

var defaultLines = []string{
	workspace.MetaDirName + "/",
	ignoreFileName,
	".git/",
	".DS_Store",
	"Thumbs.db",
	"*.swp",
	"*.swo",
	"*.tmp",
	"*~",
}

// List answers whether a workspace-relative path is excluded from sync.
// Rules come from the built-in defaults plus an optional .syncignore file
// at the workspace root, in gitignore syntax.
type List struct {
	matcher *gitignore.GitIgnore
}

func Load(root string) *List {
	lines := append([]string{}, defaultLines...)

	if data, err := os.ReadFile(filepath.Join(root, ignoreFileName)); err == nil {
		lines = append(lines, splitLines(string(data))...)
	}

	return &List{matcher: gitignore.CompileIgnoreLines(lines...)}
}

// Ignored reports whether the normalized relative path matches the rules.
// Paths under .synclite/ are always ignored.
func (l *List) Ignored(rel string) bool {
	if workspace.IsMetaPath(rel) {
		return true
	}
	return l.matcher.MatchesPath(rel)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

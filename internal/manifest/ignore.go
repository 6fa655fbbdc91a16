package manifest

import (
	"bufio"
	"log/slog"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

// IgnoreFileName is looked up in the synced directory when no explicit ignore file is configured.
const IgnoreFileName = ".syncignore"

var defaultIgnoreLines = []string{
	IgnoreFileName,
	"*.syncbox.tmp.*",
	// editors
	".vscode",
	".idea",
	"*.swp",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

type IgnoreList struct {
	fs      afero.Fs
	baseDir string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(fs afero.Fs, baseDir string) *IgnoreList {
	return &IgnoreList{
		fs:      fs,
		baseDir: baseDir,
		ignore:  gitignore.CompileIgnoreLines(defaultIgnoreLines...),
	}
}

// Load compiles the default rules plus the rules found in path, if it exists.
func (s *IgnoreList) Load(path string) {
	ignoreLines := append([]string(nil), defaultIgnoreLines...)

	if path == "" {
		path = filepath.Join(s.baseDir, IgnoreFileName)
	}

	if ok, _ := afero.Exists(s.fs, path); ok {
		rules := 0
		file, err := s.fs.Open(path)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", path, "error", err)
		} else {
			defer file.Close()

			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line != "" && !strings.HasPrefix(line, "#") {
					ignoreLines = append(ignoreLines, line)
					rules++
				}
			}

			if err := scanner.Err(); err != nil {
				slog.Warn("error reading ignore file", "path", path, "error", err)
			} else {
				slog.Info("loaded ignore file", "path", path, "rules", rules)
			}
		}
	}

	s.ignore = gitignore.CompileIgnoreLines(ignoreLines...)
}

// ShouldIgnore accepts a path relative to the base dir or an absolute one below it.
func (s *IgnoreList) ShouldIgnore(path string) bool {
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return false
		}
		path = rel
	}
	return s.ignore.MatchesPath(filepath.ToSlash(path))
}

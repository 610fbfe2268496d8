package artifact

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultExtensions are the generated-artifact extensions the reference
// pipeline produces.
var DefaultExtensions = []string{".pdf", ".html"}

// IsArtifact returns true if the path has one of the given artifact extensions
func IsArtifact(path string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, valid := range extensions {
		if ext == valid {
			return true
		}
	}
	return false
}

// Filter returns the subset of paths carrying an artifact extension.
// Order is preserved.
func Filter(paths, extensions []string) []string {
	var artifacts []string
	for _, p := range paths {
		if IsArtifact(p, extensions) {
			artifacts = append(artifacts, p)
		}
	}
	return artifacts
}

// Siblings returns the artifact paths a screenplay source is expected to
// produce: the source path with its extension swapped for each artifact
// extension. For example: script.fountain -> script.pdf, script.html.
func Siblings(sourcePath string, extensions []string) []string {
	base := strings.TrimSuffix(sourcePath, filepath.Ext(sourcePath))
	siblings := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		siblings = append(siblings, base+ext)
	}
	return siblings
}

// DiscoverSources finds all screenplay source files below dir.
// Hidden files and directories (names starting with ".") are skipped.
func DiscoverSources(dir string, sourceExtensions []string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// Skip hidden files and directories (e.g. .git, .scriptsyncd)
		if path != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.IsDir() && IsArtifact(path, sourceExtensions) {
			files = append(files, path)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}

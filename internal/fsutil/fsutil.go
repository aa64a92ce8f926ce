package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var frameExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
	".tif":  {},
	".tiff": {},
}

// ListFrames returns the frame files directly inside dir, sorted by name.
// With recursive set, subdirectories are walked as well.
func ListFrames(dir string, recursive bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && (!recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if IsFrameFile(path) && !strings.HasPrefix(d.Name(), ".") {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// IsFrameFile checks if a file is a FITS or TIFF frame.
func IsFrameFile(path string) bool {
	_, ok := frameExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// EnsureTIFFExt appends ".tif" unless name already ends in .tif or .tiff
// (case-insensitive).
func EnsureTIFFExt(name string) string {
	if len(name) < 3 {
		return name + ".tif"
	}
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".tif") || strings.HasSuffix(lower, ".tiff") {
		return name
	}
	return name + ".tif"
}

// EnsureExt appends ext when name does not already carry it
func EnsureExt(name, ext string) string {
	if strings.EqualFold(filepath.Ext(name), ext) {
		return name
	}
	return name + ext
}

package frameio

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"astrostack/internal/fsutil"
)

// ResolveOutput picks the format and final file name for a stack result.
// A recognised frame extension on output wins. Otherwise format decides
// and the matching extension is appended, defaulting to TIFF.
func ResolveOutput(output, format string) (Format, string, error) {
	if filepath.Ext(output) != "" {
		if f, err := FormatOf(output); err == nil {
			return f, output, nil
		}
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "fits", "fit":
		return FormatFITS, fsutil.EnsureExt(output, ".fits"), nil
	case "", "tiff", "tif":
		return FormatTIFF, fsutil.EnsureTIFFExt(output), nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
}

// HistogramPath is the plot written next to an image output.
func HistogramPath(output string) string {
	return strings.TrimSuffix(output, filepath.Ext(output)) + "-histogram.png"
}

// WriteJSON writes v as indented JSON through the same temp-and-rename
// path as image outputs.
func WriteJSON(path string, v any) error {
	return writeAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

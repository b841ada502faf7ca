package security

import (
	"errors"
	"path/filepath"
	"strings"
)

// Save paths come straight from command arguments. Exports stay under
// the working directory, so absolute paths and traversal components are
// rejected outright rather than resolved.
var (
	ErrAbsolutePath  = errors.New("absolute paths are not allowed")
	ErrPathTraversal = errors.New("path traversal detected")
	ErrReservedName  = errors.New("reserved filename not allowed")
	ErrLeadingHyphen = errors.New("filename cannot start with a hyphen")
)

// reservedNames are Windows device names that swallow writes when used
// as filenames. The check ignores the extension: "con.png" and
// "con.mp4" both address the console device.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
	"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

func isReservedName(name string) bool {
	lower := strings.ToLower(name)
	return reservedNames[strings.TrimSuffix(lower, filepath.Ext(lower))]
}

// ValidateSavePath checks a user-supplied export destination for an
// image or video artifact. Relative subdirectories are fine; anything
// that could land outside the working directory, or that names a file
// unsafe on a platform the export may be copied to, is rejected.
func ValidateSavePath(path string) error {
	if filepath.IsAbs(path) {
		return ErrAbsolutePath
	}
	if strings.Contains(path, "..") {
		return ErrPathTraversal
	}

	base := filepath.Base(filepath.Clean(path))
	if isReservedName(base) {
		return ErrReservedName
	}
	if strings.HasPrefix(base, "-") {
		return ErrLeadingHyphen
	}

	return nil
}

// SanitizeFilename rewrites an arbitrary name into one safe to create:
// path separators become hyphens, filesystem metacharacters are
// dropped, and reserved device names get a suffix instead of a
// rejection since the caller already committed to writing something.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '/', '\\', ':':
			b.WriteRune('-')
		case '*', '?', '"', '<', '>', '|', 0:
			// dropped
		default:
			b.WriteRune(r)
		}
	}

	out := strings.TrimLeft(b.String(), ".-")
	out = strings.TrimRight(out, ". ")
	if isReservedName(out) {
		out += "_"
	}
	if out == "" {
		out = "file"
	}
	return out
}

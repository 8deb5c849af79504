package protocol

import (
	"runtime"
	"strings"
	"unicode"
)

const fileNameReplacement = '-'

// SanitizeFileName makes a peer supplied file name safe to create locally.
// Surrounding whitespace and leading dots are removed, reserved, control and
// format characters become '-', and trailing dots are removed. The result may
// be empty, which callers must treat as invalid.
func SanitizeFileName(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		if b.Len() == 0 && r == '.' {
			continue
		}
		if strings.ContainsRune(`"*/:<>?\|`, r) ||
			unicode.Is(unicode.Noncharacter_Code_Point, r) ||
			unicode.Is(unicode.Cc, r) ||
			unicode.Is(unicode.Cf, r) {
			b.WriteRune(fileNameReplacement)
			continue
		}
		b.WriteRune(r)
	}

	name := strings.TrimRight(b.String(), ".")
	if runtime.GOOS == "windows" && hasShellExtension(name) {
		name += ".download"
	}
	return name
}

// The Windows shell treats .lnk, .local and CLSID extensions specially.
func hasShellExtension(name string) bool {
	dot := strings.LastIndexByte(name, '.')
	if dot < 0 {
		return false
	}
	ext := strings.ToLower(name[dot+1:])
	return ext == "lnk" || ext == "local" || (strings.HasPrefix(ext, "{") && strings.HasSuffix(ext, "}"))
}

package analysis

import (
	"net/url"
	"path/filepath"
	"strings"
)

// uriEscapes covers the reserved characters that legally appear in lab file
// names but break a URI if left bare.
var uriEscaper = strings.NewReplacer(
	" ", "%20",
	"#", "%23",
	"?", "%3F",
	"[", "%5B",
	"]", "%5D",
)

// FileURI converts a file path to a file:// URI. Relative paths are resolved
// against the current working directory first.
func FileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + uriEscaper.Replace(filepath.ToSlash(abs))
}

// PathFromURI reverses FileURI for URIs the server sends back, e.g. in
// publishDiagnostics. Anything that isn't a file URI is returned as-is.
func PathFromURI(uri string) string {
	path, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return uri
	}
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	return filepath.FromSlash(path)
}

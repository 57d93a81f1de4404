package fetcher

import (
	"bytes"
	"net/url"
	"path"
	"strings"
)

// OctetStream is returned when nothing identifies the payload.
const OctetStream = "application/octet-stream"

var extensionTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".avif": "image/avif",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

var typeExtensions = map[string]string{
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"image/gif":        ".gif",
	"image/webp":       ".webp",
	"image/bmp":        ".bmp",
	"image/svg+xml":    ".svg",
	"image/avif":       ".avif",
	"video/mp4":        ".mp4",
	"video/webm":       ".webm",
	"video/quicktime":  ".mov",
	"video/x-matroska": ".mkv",
	"video/x-msvideo":  ".avi",
}

// DetectMIME picks the payload type: a specific Content-Type header wins, then
// the URL's extension, then the leading byte signature.
func DetectMIME(header, rawURL string, head []byte) string {
	if mt := mediaType(header); mt != "" && mt != OctetStream && mt != "binary/octet-stream" {
		return mt
	}
	if mt := typeFromURL(rawURL); mt != "" {
		return mt
	}
	if mt := sniff(head); mt != "" {
		return mt
	}
	return OctetStream
}

// ExtensionFor returns the file extension for a MIME type, or "" when unknown.
func ExtensionFor(mime string) string {
	return typeExtensions[mediaType(mime)]
}

func mediaType(header string) string {
	mt := strings.ToLower(strings.TrimSpace(header))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

func typeFromURL(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	return extensionTypes[strings.ToLower(path.Ext(p))]
}

func sniff(head []byte) string {
	switch {
	case bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(head, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(head, []byte("GIF87a")), bytes.HasPrefix(head, []byte("GIF89a")):
		return "image/gif"
	case len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP")):
		return "image/webp"
	case len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp")):
		if bytes.Equal(head[8:11], []byte("qt ")) {
			return "video/quicktime"
		}
		if bytes.HasPrefix(head[8:12], []byte("avif")) {
			return "image/avif"
		}
		return "video/mp4"
	case bytes.HasPrefix(head, []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return "video/webm"
	default:
		return ""
	}
}

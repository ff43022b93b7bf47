package static

import "strings"

// mimeTable is spec.md §4.6's fixed extension->MIME map. Grounded on
// original_source/include/uvhttp_static_v2.h's uvhttp_mime_mapping_t
// table and documented list (HTML/CSS/JS/JSON/XML/TXT/MD/CSV;
// PNG/JPG/JPEG/GIF/SVG/ICO/WEBP/BMP; MP3/WAV/OGG/AAC; MP4/WEBM/AVI;
// WOFF/WOFF2/TTF/EOT; PDF/ZIP/TAR/GZ).
var mimeTable = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json; charset=utf-8",
	".xml":  "application/xml; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".csv":  "text/csv; charset=utf-8",

	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".webp": "image/webp",
	".bmp":  "image/bmp",

	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".ogg": "audio/ogg",
	".aac": "audio/aac",

	".mp4":  "video/mp4",
	".webm": "video/webm",
	".avi":  "video/x-msvideo",

	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".eot":   "application/vnd.ms-fontobject",

	".pdf": "application/pdf",
	".zip": "application/zip",
	".tar": "application/x-tar",
	".gz":  "application/gzip",
}

// defaultMimeType is returned for any extension not in mimeTable.
const defaultMimeType = "application/octet-stream"

// MimeType returns the MIME type for path's extension, grounded on
// uvhttp_static_get_mime_type's extension-suffix lookup.
func MimeType(path string) string {
	ext := strings.ToLower(extensionOf(path))
	if mt, ok := mimeTable[ext]; ok {
		return mt
	}
	return defaultMimeType
}

func extensionOf(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return ""
	}
	// Reject an extension that actually belongs to a parent directory
	// segment, e.g. "a.b/c" has no extension.
	if slash := strings.LastIndexByte(path, '/'); slash > i {
		return ""
	}
	return path[i:]
}

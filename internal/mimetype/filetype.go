package mimetype

import (
	"path/filepath"
	"strings"
)

// FileType is the coarse category the registry shows to users.
type FileType string

const (
	Image     FileType = "IMAGE"
	Video     FileType = "VIDEO"
	Audio     FileType = "AUDIO"
	Document  FileType = "DOCUMENT"
	Plaintext FileType = "PLAINTEXT"
	Binary    FileType = "BINARY"
)

var documentSubtypes = set(
	"pdf", "msword", "rtf",
	"vnd.openxmlformats-officedocument.wordprocessingml.document",
	"vnd.ms-excel",
	"vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"vnd.ms-powerpoint",
	"vnd.openxmlformats-officedocument.presentationml.presentation",
	"vnd.oasis.opendocument.text",
	"vnd.oasis.opendocument.spreadsheet",
	"vnd.oasis.opendocument.presentation",
)

var plaintextSubtypes = set(
	"json", "xml", "javascript", "ecmascript", "css", "csv", "html", "sql",
	"x-sh", "x-csh", "x-python", "x-java-source", "markdown",
)

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

var extTypes = map[string]FileType{}

func init() {
	for t, exts := range map[FileType][]string{
		Image:     {"jpg", "jpeg", "png", "gif", "webp", "svg", "bmp", "ico", "heic", "heif"},
		Video:     {"mp4", "mov", "avi", "wmv", "mkv", "webm", "flv"},
		Audio:     {"mp3", "wav", "ogg", "m4a", "flac", "aac"},
		Document:  {"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "odt", "ods", "odp", "rtf"},
		Plaintext: {"txt", "md", "json", "xml", "csv", "html", "css", "js", "ts", "sh", "py", "java", "sql"},
	} {
		for _, e := range exts {
			extTypes["."+e] = t
		}
	}
}

// Classify picks a FileType from the declared content type, falling back to
// the file name's extension when the content type is missing or generic.
func Classify(contentType, name string) FileType {
	if t := classifyMime(contentType); t != Binary {
		return t
	}
	if t, ok := extTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return Binary
}

func classifyMime(ct string) FileType {
	base, _, _ := strings.Cut(strings.ToLower(ct), ";")
	typ, sub, _ := strings.Cut(strings.TrimSpace(base), "/")
	switch typ {
	case "image":
		return Image
	case "video":
		return Video
	case "audio":
		return Audio
	case "text":
		return Plaintext
	case "application":
		if documentSubtypes[sub] {
			return Document
		}
		if plaintextSubtypes[sub] {
			return Plaintext
		}
	}
	return Binary
}

package attachment

import (
	"path"
	"regexp"
	"strings"
)

// extensionMIMEs maps lowercase file extensions to MIME types. Extensions not
// listed here fall through to application/octet-stream.
var extensionMIMEs = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"bmp":  "image/bmp",
	"ico":  "image/x-icon",
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mov":  "video/quicktime",
	"avi":  "video/x-msvideo",
	"mkv":  "video/x-matroska",
	"mp3":  "audio/mpeg",
	"wav":  "audio/wav",
	"ogg":  "audio/ogg",
	"m4a":  "audio/mp4",
	"flac": "audio/flac",
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"txt":  "text/plain",
	"csv":  "text/csv",
	"json": "application/json",
	"xml":  "application/xml",
	"zip":  "application/zip",
	"rar":  "application/x-rar-compressed",
	"7z":   "application/x-7z-compressed",
}

var mimePattern = regexp.MustCompile(`^[a-zA-Z0-9.+-]+/[a-zA-Z0-9.+-]+$`)

// TypeClass buckets a MIME type for adapter routing.
type TypeClass string

const (
	TypeImage    TypeClass = "image"
	TypeVideo    TypeClass = "video"
	TypeAudio    TypeClass = "audio"
	TypeDocument TypeClass = "document"
)

// InferMIME resolves the MIME type of an attachment. Priority: a valid
// caller-provided type, then the data-URI type, then the filename extension,
// then application/octet-stream.
func InferMIME(callerMIME, dataURIMime, filename string) string {
	if callerMIME != "" && mimePattern.MatchString(callerMIME) {
		return callerMIME
	}
	if dataURIMime != "" && mimePattern.MatchString(dataURIMime) {
		return dataURIMime
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if mime, ok := extensionMIMEs[ext]; ok {
		return mime
	}
	return "application/octet-stream"
}

// ClassOf returns the routing class for a MIME type.
func ClassOf(mime string) TypeClass {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return TypeImage
	case strings.HasPrefix(mime, "video/"):
		return TypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return TypeAudio
	default:
		return TypeDocument
	}
}

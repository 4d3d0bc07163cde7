package validate

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// FileUpload is the body of an upload validation request.
type FileUpload struct {
	FileName string   `json:"fileName"`
	FileSize float64  `json:"fileSize"`
	MimeType string   `json:"mimeType"`
	MaxSize  *float64 `json:"maxSize,omitempty"`
}

// AllowedUploadTypes maps each accepted MIME type to its permitted extensions.
var AllowedUploadTypes = map[string][]string{
	"image/jpeg":      {".jpg", ".jpeg"},
	"image/png":       {".png"},
	"image/gif":       {".gif"},
	"image/webp":      {".webp"},
	"application/pdf": {".pdf"},
	"text/plain":      {".txt"},
	"text/csv":        {".csv"},
}

// UploadSchema is the field contract for FileUpload.
var UploadSchema = Schema{
	{Name: "fileName", Required: true, Field: StringField{MinLength: 1, MaxLength: MaxFileNameLength}},
	{Name: "fileSize", Required: true, Field: NumberField{Min: Bound(0)}},
	{Name: "mimeType", Required: true, Field: StringField{MinLength: 1, MaxLength: 100}},
	{Name: "maxSize", Field: NumberField{Min: Bound(1)}},
}

// CheckUpload applies the MIME allow-list, the extension match and the size
// cap to an already schema-valid request. The effective cap is the smaller of
// capBytes and the request's own maxSize. On success it returns the sanitized
// file name.
func CheckUpload(req FileUpload, capBytes int64) (string, []string) {
	var errs []string

	limit := float64(capBytes)
	if req.MaxSize != nil && *req.MaxSize < limit {
		limit = *req.MaxSize
	}
	if req.FileSize > limit {
		errs = append(errs, fmt.Sprintf("fileSize exceeds the maximum of %s bytes", formatNumber(limit)))
	}

	mime := strings.ToLower(strings.TrimSpace(req.MimeType))
	exts, ok := AllowedUploadTypes[mime]
	if !ok {
		errs = append(errs, "mimeType must be one of: "+strings.Join(allowedMIMETypes(), ", "))
	}

	sanitized := SanitizeFileName(req.FileName)
	ext := strings.ToLower(path.Ext(sanitized))
	if ok && !contains(exts, ext) {
		errs = append(errs, fmt.Sprintf("fileName extension does not match %s", mime))
	}
	if sanitized == "" {
		errs = append(errs, "fileName is empty after sanitization")
	}

	if len(errs) > 0 {
		return "", errs
	}
	return sanitized, nil
}

func allowedMIMETypes() []string {
	out := make([]string, 0, len(AllowedUploadTypes))
	for k := range AllowedUploadTypes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

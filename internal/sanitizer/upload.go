package sanitizer

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxUploadSize is the upload limit when none is configured
const DefaultMaxUploadSize int64 = 10 << 20

// FileUpload describes an uploaded document. Data may be nil when only
// metadata is available.
type FileUpload struct {
	Name     string
	Size     int64
	MimeType string
	Data     []byte
}

// UploadResult is the outcome of ValidateFileUpload
type UploadResult struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors"`
	// DetectedType is the sniffed content type when Data was present
	DetectedType string `json:"detectedType,omitempty"`
}

// UploadPolicy bounds accepted uploads. Allowed maps a lower-case extension
// (with dot) to the MIME types it may be declared as.
type UploadPolicy struct {
	MaxSize int64
	Allowed map[string][]string
}

// DefaultUploadPolicy accepts procurement documents: PDFs, scans, office
// files and plain text exports.
func DefaultUploadPolicy() UploadPolicy {
	return UploadPolicy{
		MaxSize: DefaultMaxUploadSize,
		Allowed: map[string][]string{
			".pdf":  {"application/pdf"},
			".png":  {"image/png"},
			".jpg":  {"image/jpeg"},
			".jpeg": {"image/jpeg"},
			".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
			".xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
			".csv":  {"text/csv", "text/plain", "application/vnd.ms-excel"},
			".txt":  {"text/plain"},
		},
	}
}

var executableMagic = [][]byte{
	[]byte("MZ"),             // PE / DOS
	{0x7f, 'E', 'L', 'F'},    // ELF
	{0xfe, 0xed, 0xfa, 0xce}, // Mach-O 32
	{0xfe, 0xed, 0xfa, 0xcf}, // Mach-O 64
	{0xce, 0xfa, 0xed, 0xfe}, // Mach-O 32 LE
	{0xcf, 0xfa, 0xed, 0xfe}, // Mach-O 64 LE
	{0xca, 0xfe, 0xba, 0xbe}, // Mach-O fat / Java class
	[]byte("#!"),             // script
	{0x00, 0x61, 0x73, 0x6d}, // wasm
}

// ValidateFileUpload checks f against the default policy
func ValidateFileUpload(f FileUpload) UploadResult {
	return DefaultUploadPolicy().Validate(f)
}

// Validate checks size, name, extension/MIME agreement and, when content is
// present, executable signatures and the sniffed type.
func (p UploadPolicy) Validate(f FileUpload) UploadResult {
	var errs []string
	maxSize := p.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}

	size := f.Size
	if f.Data != nil {
		size = int64(len(f.Data))
	}
	switch {
	case size <= 0:
		errs = append(errs, "File is empty")
	case size > maxSize:
		errs = append(errs, "File exceeds the maximum size of "+formatSize(maxSize))
	}

	name := f.Name
	if strings.TrimSpace(name) == "" {
		errs = append(errs, "File name is required")
	} else if unsafeName(name) {
		errs = append(errs, "File name contains invalid path characters")
	}

	ext := strings.ToLower(filepath.Ext(name))
	allowed, ok := p.Allowed[ext]
	if !ok {
		errs = append(errs, "File type is not allowed")
	} else {
		declared, _, err := mime.ParseMediaType(f.MimeType)
		if err != nil || !slices.Contains(allowed, strings.ToLower(declared)) {
			errs = append(errs, "File type does not match its extension")
		}
	}

	res := UploadResult{}
	if len(f.Data) > 0 {
		if isExecutable(f.Data) {
			errs = append(errs, "Executable content is not allowed")
		}
		detected := mimetype.Detect(f.Data)
		res.DetectedType = detected.String()
		if ok && !matchesDetected(detected, allowed) {
			errs = append(errs, "File content does not match its declared type")
		}
	}

	res.IsValid = len(errs) == 0
	res.Errors = errs
	return res
}

func unsafeName(name string) bool {
	return strings.Contains(name, "..") ||
		strings.ContainsAny(name, "/\\\x00") ||
		strings.HasPrefix(name, "~")
}

func isExecutable(data []byte) bool {
	for _, magic := range executableMagic {
		if bytes.HasPrefix(data, magic) {
			return true
		}
	}
	return false
}

// matchesDetected walks the sniffed type and its parents looking for an
// allowed MIME type.
func matchesDetected(detected *mimetype.MIME, allowed []string) bool {
	for m := detected; m != nil; m = m.Parent() {
		for _, a := range allowed {
			if m.Is(a) {
				return true
			}
		}
	}
	return false
}

func formatSize(n int64) string {
	if n >= 1<<20 && n%(1<<20) == 0 {
		return fmt.Sprintf("%d MB", n>>20)
	}
	return fmt.Sprintf("%d bytes", n)
}

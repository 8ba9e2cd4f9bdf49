package sanitizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n%%EOF\n")

func TestValidateFileUpload_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file FileUpload
	}{
		{"50MB file", FileUpload{Name: "tender.pdf", Size: 50 << 20, MimeType: "application/pdf"}},
		{"empty file", FileUpload{Name: "tender.pdf", Size: 0, MimeType: "application/pdf"}},
		{"exe extension", FileUpload{Name: "setup.exe", Size: 1024, MimeType: "application/octet-stream"}},
		{"path traversal", FileUpload{Name: "../../../etc/passwd", Size: 1024, MimeType: "text/plain"}},
		{"backslash traversal", FileUpload{Name: `..\..\boot.ini`, Size: 1024, MimeType: "text/plain"}},
		{"mime mismatch", FileUpload{Name: "quote.pdf", Size: 1024, MimeType: "image/png"}},
		{"no name", FileUpload{Size: 1024, MimeType: "application/pdf"}},
		{"executable disguised as pdf", FileUpload{Name: "invoice.pdf", MimeType: "application/pdf", Data: append([]byte("MZ"), make([]byte, 64)...)}},
		{"elf disguised as csv", FileUpload{Name: "export.csv", MimeType: "text/csv", Data: []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}}},
		{"content does not match", FileUpload{Name: "scan.png", MimeType: "image/png", Data: pdfBytes}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateFileUpload(tt.file)
			assert.False(t, res.IsValid)
			assert.NotEmpty(t, res.Errors)
		})
	}
}

func TestValidateFileUpload_Accepts(t *testing.T) {
	res := ValidateFileUpload(FileUpload{Name: "Tender-2026.PDF", Size: 2 << 20, MimeType: "application/pdf"})
	assert.True(t, res.IsValid, res.Errors)

	res = ValidateFileUpload(FileUpload{Name: "quote.pdf", MimeType: "application/pdf; charset=binary", Data: pdfBytes})
	assert.True(t, res.IsValid, res.Errors)
	assert.Equal(t, "application/pdf", res.DetectedType)

	res = ValidateFileUpload(FileUpload{Name: "lines.csv", MimeType: "text/csv", Data: []byte("sku,qty\nA-1,4\n")})
	assert.True(t, res.IsValid, res.Errors)
}

func TestUploadPolicy_CustomLimit(t *testing.T) {
	p := DefaultUploadPolicy()
	p.MaxSize = 1024
	res := p.Validate(FileUpload{Name: "a.txt", MimeType: "text/plain", Data: make([]byte, 2048)})
	assert.False(t, res.IsValid)
	assert.Contains(t, res.Errors[0], "maximum size")
}

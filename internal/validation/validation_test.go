package validation

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		path    string
		want    string
		wantErr error
	}{
		{name: "simple relative", base: "/data", path: "naans.json", want: "naans.json"},
		{name: "nested relative", base: "/data", path: "snapshots/naans.json", want: "snapshots/naans.json"},
		{name: "empty path", base: "/data", path: "", wantErr: ErrEmptyPath},
		{name: "parent escape", base: "/data", path: "../etc/passwd", wantErr: ErrPathTraversal},
		{name: "embedded escape", base: "/data", path: "a/../../etc", wantErr: ErrPathTraversal},
		{name: "absolute path", base: "/data", path: "/etc/passwd", wantErr: ErrPathTraversal},
		{name: "too long", base: "/data", path: strings.Repeat("a", MaxPathLength+1), wantErr: ErrPathTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizePath(tt.base, tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("SanitizePath() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SanitizePath() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("SanitizePath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		wantErr  bool
	}{
		{name: "simple", filename: "naans.json", wantErr: false},
		{name: "empty", filename: "", wantErr: true},
		{name: "dot", filename: ".", wantErr: true},
		{name: "dotdot", filename: "..", wantErr: true},
		{name: "slash", filename: "a/b", wantErr: true},
		{name: "backslash", filename: `a\b`, wantErr: true},
		{name: "null byte", filename: "a\x00b", wantErr: true},
		{name: "control char", filename: "a\x01b", wantErr: true},
		{name: "leading hyphen", filename: "-rf", wantErr: true},
		{name: "too long", filename: strings.Repeat("a", MaxFilenameLength+1), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilename(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateFilename(%q) error = %v, wantErr %v", tt.filename, err, tt.wantErr)
			}
		})
	}
}

func TestIsPathSafe(t *testing.T) {
	if !IsPathSafe("/data", "naans.json") {
		t.Error("IsPathSafe() = false for a safe path")
	}
	if IsPathSafe("/data", "../escape") {
		t.Error("IsPathSafe() = true for a traversal path")
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "simple", path: "/data/naans.json", wantErr: false},
		{name: "relative", path: "naans.json", wantErr: false},
		{name: "empty", path: "", wantErr: true},
		{name: "null byte", path: "/data/a\x00b", wantErr: true},
		{name: "control char", path: "/data/a\x01b", wantErr: true},
		{name: "too long", path: "/" + strings.Repeat("a", MaxPathLength), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFileType(t *testing.T) {
	gzipHeader := []byte{0x1f, 0x8b, 0x08, 0x00}
	xzHeader := []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00, 0x00}
	sqliteHeader := []byte("SQLite format 3\x00more header bytes")

	tests := []struct {
		name     string
		data     []byte
		filename string
		want     FileType
		wantErr  bool
	}{
		{name: "tar.gz", data: gzipHeader, filename: "snapshot.tar.gz", want: FileTypeTarGZ},
		{name: "tgz", data: gzipHeader, filename: "snapshot.tgz", want: FileTypeTarGZ},
		{name: "tar.xz", data: xzHeader, filename: "snapshot.tar.xz", want: FileTypeTarXZ},
		{name: "bare gzip", data: gzipHeader, filename: "data.gz", want: FileTypeGzip},
		{name: "sqlite", data: sqliteHeader, filename: "naans.sqlite", want: FileTypeSQLite},
		{name: "json text", data: []byte(`{"metadata": {}}`), filename: "naans.json", want: FileTypeJSON},
		{name: "anvl text", data: []byte("naa:\nwho: Example\n"), filename: "main_naans.anvl", want: FileTypeANVL},
		{name: "sqlite claimed as json", data: sqliteHeader, filename: "naans.json", wantErr: true},
		{name: "gzip claimed as sqlite", data: gzipHeader, filename: "naans.sqlite", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateFileType(bytes.NewReader(tt.data), tt.filename)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ValidateFileType() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateFileType() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ValidateFileType() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectFileTypeFromMagicTar(t *testing.T) {
	buf := make([]byte, 512)
	copy(buf[257:], "ustar")
	if got := detectFileTypeFromMagic(buf); got != FileTypeTar {
		t.Errorf("detectFileTypeFromMagic() = %v, want %v", got, FileTypeTar)
	}
}

func TestIsLikelyText(t *testing.T) {
	if !isLikelyText([]byte("who: Example Organization\n")) {
		t.Error("isLikelyText() = false for ANVL text")
	}
	if isLikelyText([]byte{0x00, 0x01, 0x02}) {
		t.Error("isLikelyText() = true for binary data")
	}
	if isLikelyText(nil) {
		t.Error("isLikelyText() = true for empty input")
	}
}

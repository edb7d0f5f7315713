package download

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	pkgerrors "github.com/lepinkainen/gutenzim/internal/errors"
)

// ExtractZip unpacks a zipped book archive into destDir. Members are
// flattened to their basename and renamed onto the book's file convention.
// A single unsafe member path rejects the whole archive before anything is
// written.
func ExtractZip(zipPath, destDir string, bookID int) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgerrors.ErrBadArchive, err)
	}
	defer func() { _ = zr.Close() }()

	htmlMembers := 0
	for _, member := range zr.File {
		if !safeMemberPath(member.Name) {
			return pkgerrors.ErrUnsafeArchive
		}
		if isHTMLName(path.Base(member.Name)) {
			htmlMembers++
		}
	}
	multiHTML := htmlMembers > 1

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}

	for _, member := range zr.File {
		if strings.HasSuffix(member.Name, "/") {
			continue
		}
		target := filepath.Join(destDir, memberTarget(path.Base(member.Name), bookID, multiHTML))
		if err := extractMember(member, target); err != nil {
			return err
		}
	}
	return nil
}

// safeMemberPath rejects absolute paths and anything that climbs out of the
// extraction directory.
func safeMemberPath(name string) bool {
	if name == "" {
		return false
	}
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return false
	}
	cleaned := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	return cleaned != ".." && !strings.HasPrefix(cleaned, "../")
}

func isHTMLName(name string) bool {
	return strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".htm")
}

// memberTarget renames an archive member onto the book's file convention:
// the book's own "-h." HTML file becomes the canonical {id}.html, every
// other member becomes an {id}_ prefixed companion file.
func memberTarget(name string, bookID int, multiHTML bool) string {
	id := strconv.Itoa(bookID)
	if isHTMLName(name) {
		if !multiHTML || strings.HasPrefix(name, id+"-h.") {
			return id + ".html"
		}
	}
	return id + "_" + name
}

func extractMember(member *zip.File, target string) error {
	src, err := member.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive member %s: %w", member.Name, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to extract %s: %w", member.Name, err)
	}
	return nil
}

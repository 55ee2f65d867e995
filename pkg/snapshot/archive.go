package snapshot

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// FixedZipTime stamps every archive entry so identical trees produce
// byte-identical archives (1980-01-01 UTC, the zip epoch).
var FixedZipTime = time.Unix(315532800, 0).UTC()

// archiveManifestName holds the manifest inside the archive; tree files live
// under archiveFilesDir so they can never collide with it.
const (
	archiveManifestName = "manifest.json"
	archiveFilesDir     = "files/"
)

type archiveManifest struct {
	FormatVersion int      `json:"format_version"`
	FileCount     int      `json:"file_count"`
	SHA256        string   `json:"sha256"`
	Manifest      Manifest `json:"manifest"`
}

// WriteArchive writes the files of snap, read from root, as a zip in
// manifest order. Each file is re-hashed while it is copied; a file whose
// content no longer matches the manifest fails the archive.
func WriteArchive(ctx context.Context, w io.Writer, root string, snap *Snapshot) error {
	zw := zip.NewWriter(w)

	for _, e := range snap.Manifest {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := addFile(zw, root, e); err != nil {
			return err
		}
	}

	h := &zip.FileHeader{Name: archiveManifestName, Method: zip.Deflate, Modified: FixedZipTime}
	h.SetMode(0o644)
	mw, err := zw.CreateHeader(h)
	if err != nil {
		return fmt.Errorf("create %s: %w", archiveManifestName, err)
	}
	enc := json.NewEncoder(mw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(archiveManifest{
		FormatVersion: snap.FormatVersion,
		FileCount:     snap.FileCount,
		SHA256:        snap.SHA256,
		Manifest:      snap.Manifest,
	}); err != nil {
		return fmt.Errorf("write %s: %w", archiveManifestName, err)
	}
	return zw.Close()
}

func addFile(zw *zip.Writer, root string, e Entry) error {
	src, err := os.Open(filepath.Join(root, filepath.FromSlash(e.Path)))
	if err != nil {
		return &SnapshotError{Op: "archive", Path: e.Path, Err: err}
	}
	defer src.Close()

	h := &zip.FileHeader{Name: archiveFilesDir + e.Path, Method: zip.Deflate, Modified: FixedZipTime}
	h.SetMode(0o644)
	dst, err := zw.CreateHeader(h)
	if err != nil {
		return &SnapshotError{Op: "archive", Path: e.Path, Err: err}
	}
	sum := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, sum), src); err != nil {
		return &SnapshotError{Op: "archive", Path: e.Path, Err: err}
	}
	if got := hex.EncodeToString(sum.Sum(nil)); got != e.SHA256 {
		return &SnapshotError{Op: "archive", Path: e.Path, Err: fmt.Errorf("content changed while archiving: digest %s, manifest %s", got, e.SHA256)}
	}
	return nil
}

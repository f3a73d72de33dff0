package misp

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	yekazip "github.com/yeka/zip"

	"github.com/misp-sync/connector/platform"
)

// malwareSamplePassword is MISP's convention for malware-sample archives
// (§4.3, fixed by the wire protocol, not configurable).
const malwareSamplePassword = "infected"

// AttachmentHandler downloads remote attachments and extracts
// password-protected malware sample archives (§4.3).
type AttachmentHandler struct {
	client *Client
	temp   platform.TempStore
	log    *logrus.Entry
}

// NewAttachmentHandler builds a handler for one instance's client.
func NewAttachmentHandler(client *Client, temp platform.TempStore, log *logrus.Entry) *AttachmentHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AttachmentHandler{client: client, temp: temp, log: log}
}

// FileHandle is a downloaded or extracted file held in TempStore.
type FileHandle struct {
	Filename string
	Path     string
	Mime     string
}

// Download implements §4.3's download(instance, attachmentId): GET
// attributes/download/{id}, streamed to a fresh temp file.
func (h *AttachmentHandler) Download(ctx context.Context, attachmentID string) (FileHandle, error) {
	dl, err := h.client.DownloadAttribute(ctx, attachmentID)
	if err != nil {
		return FileHandle{}, err
	}
	defer dl.Body.Close()

	path, err := h.temp.NewTemporaryFile(ctx, "misp-download-"+uuid.NewString(), dl.Filename)
	if err != nil {
		return FileHandle{}, &PersistenceError{Op: "NewTemporaryFile", Err: err}
	}
	f, err := os.Create(path)
	if err != nil {
		return FileHandle{}, &PersistenceError{Op: "create temp file", Err: err}
	}
	defer f.Close()

	if _, err := io.Copy(f, dl.Body); err != nil {
		return FileHandle{}, &FetchError{Instance: h.client.instance.Name, Path: "attributes/download", Err: err}
	}
	return FileHandle{Filename: dl.Filename, Path: path, Mime: dl.Mime}, nil
}

// ExtractMalwareSample implements §4.3's extractMalwareSample: open file as
// a (possibly password-protected) ZIP archive, recover the true filename
// from the "*.filename.txt" metadata entry, and extract the first content
// entry. On any ZIP error it degrades to the original, unmodified handle.
func (h *AttachmentHandler) ExtractMalwareSample(ctx context.Context, file FileHandle) FileHandle {
	extracted, err := h.extract(ctx, file)
	if err != nil {
		h.log.WithError(err).Warn("malware sample extraction failed, keeping original file")
		return file
	}
	return extracted
}

func (h *AttachmentHandler) extract(ctx context.Context, file FileHandle) (FileHandle, error) {
	r, err := yekazip.OpenReader(file.Path)
	if err != nil {
		return FileHandle{}, &ArchiveError{Path: file.Path, Err: err}
	}
	defer r.Close()

	var metaEntry, contentEntry *yekazip.File
	for _, f := range r.File {
		if strings.HasSuffix(f.Name, ".filename.txt") {
			if metaEntry == nil {
				metaEntry = f
			}
			continue
		}
		if contentEntry == nil {
			contentEntry = f
		}
	}
	if metaEntry == nil || contentEntry == nil {
		return FileHandle{}, &ArchiveError{Path: file.Path, Err: fmt.Errorf("missing metadata or content entry")}
	}

	filename, err := readMetadataFilename(metaEntry)
	if err != nil {
		return FileHandle{}, &ArchiveError{Path: file.Path, Err: err}
	}

	contentPath, err := h.temp.NewTemporaryFile(ctx, "misp-sample-"+uuid.NewString(), filename)
	if err != nil {
		return FileHandle{}, &PersistenceError{Op: "NewTemporaryFile", Err: err}
	}
	if err := extractEntry(contentEntry, contentPath); err != nil {
		return FileHandle{}, &ArchiveError{Path: file.Path, Err: err}
	}

	return FileHandle{Filename: filename, Path: contentPath, Mime: "application/octet-stream"}, nil
}

// readMetadataFilename reads the first 128 bytes of the metadata entry as
// UTF-8, per §4.3's "Read the first 128 bytes of the metadata entry as
// UTF-8 — this is the true filename."
func readMetadataFilename(f *yekazip.File) (string, error) {
	if f.IsEncrypted() {
		f.SetPassword(malwareSamplePassword)
	}
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	buf := make([]byte, 128)
	n, err := io.ReadFull(rc, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(string(buf[:n]), "\x00\r\n "), nil
}

func extractEntry(f *yekazip.File, destPath string) error {
	if f.IsEncrypted() {
		f.SetPassword(malwareSamplePassword)
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// Package files prepares local files for sending as message attachments.
package files

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"

	"tutorchat/internal/models"
)

// DefaultMaxSize caps outgoing attachments at 10MB.
const DefaultMaxSize = 10 << 20

// Attachment is a local file classified and ready for upload.
type Attachment struct {
	Name     string
	MimeType string
	// Kind is the message type the attachment maps to: image or file.
	Kind models.MessageType
	Size int64
	Data []byte
}

// PrepareAttachment reads the file, sniffs its real type from the content
// (the extension is not trusted) and classifies it as an image or a generic
// file. maxSize <= 0 falls back to DefaultMaxSize.
func PrepareAttachment(path string, maxSize int64) (Attachment, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to stat attachment: %w", err)
	}
	if info.Size() > maxSize {
		return Attachment{}, fmt.Errorf("attachment %s is %d bytes, limit is %d", info.Name(), info.Size(), maxSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to read attachment: %w", err)
	}

	kind := models.MessageTypeFile
	mimeType := "application/octet-stream"
	if t, err := filetype.Match(data); err == nil && t != filetype.Unknown {
		mimeType = t.MIME.Value
		if isImage(t.MIME.Value) {
			kind = models.MessageTypeImage
		}
	}

	return Attachment{
		Name:     filepath.Base(path),
		MimeType: mimeType,
		Kind:     kind,
		Size:     info.Size(),
		Data:     data,
	}, nil
}

func isImage(mime string) bool {
	switch mime {
	case matchers.TypeJpeg.MIME.Value,
		matchers.TypePng.MIME.Value,
		matchers.TypeGif.MIME.Value,
		matchers.TypeWebp.MIME.Value:
		return true
	}
	return false
}

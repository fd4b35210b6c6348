package model

import (
	"path/filepath"
	"time"
)

// DecodeStatus represents how far a frame got through preprocessing.
type DecodeStatus string

const (
	DecodePending DecodeStatus = "pending"
	DecodeOK      DecodeStatus = "ok"
	DecodeFailed  DecodeStatus = "decode_failed"
)

// FrameRecord identifies one discovered image file.
type FrameRecord struct {
	Path        string       `json:"path"`
	RelPath     string       `json:"rel_path"`
	Size        int64        `json:"size"`
	ModTime     time.Time    `json:"mod_time"`
	Status      DecodeStatus `json:"status"`
	CaptureTime *time.Time   `json:"capture_time,omitempty"` // EXIF DateTimeOriginal when present
	Hash        string       `json:"hash,omitempty"`         // perceptual difference hash
}

// Name returns the base file name of the frame.
func (f FrameRecord) Name() string {
	return filepath.Base(f.Path)
}

// Timestamp returns the capture time when known, falling back to the
// file modification time.
func (f FrameRecord) Timestamp() time.Time {
	if f.CaptureTime != nil {
		return *f.CaptureTime
	}
	return f.ModTime
}

package preprocess

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/bep/imagemeta"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// captureTags are tried in order of preference. The decoder reports 0x9004
// as CreateDate and 0x0132 as ModifyDate.
var captureTags = []string{"DateTimeOriginal", "CreateDate", "ModifyDate"}

var imageFormats = map[string]imagemeta.ImageFormat{
	"jpg":  imagemeta.JPEG,
	"jpeg": imagemeta.JPEG,
	"png":  imagemeta.PNG,
	"webp": imagemeta.WebP,
}

// CaptureTime extracts the EXIF capture timestamp from raw image bytes.
// format is the lower-case file extension without dot. It returns nil when
// the data carries no usable timestamp.
func CaptureTime(data []byte, format string) *time.Time {
	if len(data) == 0 {
		return nil
	}
	imgFormat, ok := imageFormats[format]
	if !ok {
		return nil
	}

	found := make(map[string]string, len(captureTags))
	_, err := imagemeta.Decode(imagemeta.Options{
		R:           bytes.NewReader(data),
		ImageFormat: imgFormat,
		Sources:     imagemeta.EXIF,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			for _, tag := range captureTags {
				if ti.Tag == tag {
					return true
				}
			}
			return false
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			if s := tagTimeString(ti.Value); s != "" {
				found[ti.Tag] = s
			}
			return nil
		},
	})
	if err != nil {
		return nil
	}

	for _, tag := range captureTags {
		s, ok := found[tag]
		if !ok {
			continue
		}
		if ts, err := time.ParseInLocation(exifTimeLayout, s, time.UTC); err == nil {
			return &ts
		}
	}
	return nil
}

func tagTimeString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimRight(strings.TrimSpace(val), "\x00")
	case time.Time:
		return val.Format(exifTimeLayout)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

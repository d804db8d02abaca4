package download

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/Sriram-PR/image-downloader/pkg/config"
	"github.com/Sriram-PR/image-downloader/pkg/imaging"
	"github.com/Sriram-PR/image-downloader/pkg/models"
	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

// DeriveFilename maps an image URL to the name it is stored under in the output directory.
//
// With config.FilenameBasename the final segment of the URL path is used exactly as it appears
// in the URL, percent escapes included. Query and fragment are dropped, the host is ignored, so
// two URLs ending in the same segment collide on one file.
// With config.FilenameURLHash the decoded, sanitized basename gets the first 8 hex chars of the
// SHA256 of the full URL appended, which keeps distinct URLs apart.
//
// An empty, "." or ".." final segment (including a trailing slash or no path at all) returns an
// error wrapping utils.ErrInvalidURL.
func DeriveFilename(rawURL, strategy string) (string, error) {
	base := lastPathSegment(rawURL)
	switch base {
	case "", ".", "..":
		return "", fmt.Errorf("%w: no filename in path of '%s'", utils.ErrInvalidURL, rawURL)
	}

	if strategy != config.FilenameURLHash {
		return base, nil
	}

	if decoded, err := url.PathUnescape(base); err == nil {
		base = decoded
	}
	ext := path.Ext(base)
	stem := utils.SanitizeFilename(strings.TrimSuffix(base, ext))
	if len(ext) > 1 {
		ext = "." + utils.SanitizeFilename(ext[1:])
	}
	urlHash := utils.CalculateStringSHA256(rawURL)[:8]
	return fmt.Sprintf("%s_%s%s", stem, urlHash, ext), nil
}

// lastPathSegment returns the raw text after the last "/" of the URL path, without query or fragment
func lastPathSegment(rawURL string) string {
	rest, _, _ := strings.Cut(rawURL, "#")
	rest, _, _ = strings.Cut(rest, "?")
	if _, afterScheme, ok := strings.Cut(rest, "://"); ok {
		slash := strings.IndexByte(afterScheme, '/')
		if slash < 0 {
			return "" // Authority only, no path
		}
		rest = afterScheme[slash:]
	}
	return rest[strings.LastIndex(rest, "/")+1:]
}

// CheckExisting reports whether a valid image already sits at filePath.
// A missing file, a directory, an unreadable file or undecodable content all return false,
// so the record is downloaded again and the corrupt file overwritten.
func CheckExisting(validator *imaging.Validator, filePath string) (models.ImageInfo, bool) {
	stat, err := os.Stat(filePath)
	if err != nil || !stat.Mode().IsRegular() {
		return models.ImageInfo{}, false
	}
	info, err := validator.ValidateFile(filePath)
	if err != nil {
		return models.ImageInfo{}, false
	}
	return info, true
}

package download

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/image-downloader/pkg/config"
	"github.com/Sriram-PR/image-downloader/pkg/imaging"
	"github.com/Sriram-PR/image-downloader/pkg/imaging/imagingtest"
	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

func TestDeriveFilename_Basename(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{"simple", "http://example.com/a.jpg", "a.jpg", false},
		{"nested path", "http://static.flickr.com/2723/4385058960_b0f291553e.jpg", "4385058960_b0f291553e.jpg", false},
		{"query ignored", "http://example.com/img/a.jpg?size=large", "a.jpg", false},
		{"fragment ignored", "http://example.com/a.jpg#top", "a.jpg", false},
		{"no extension", "http://example.com/photo", "photo", false},
		{"trailing slash", "http://example.com/dir/", "", true},
		{"empty path", "http://example.com", "", true},
		{"root path", "http://example.com/", "", true},
		{"dot dot", "http://example.com/..", "", true},
		{"dot", "http://example.com/img/.", "", true},
		{"host only", "http://[::1", "", true},
		{"escaped space kept", "http://example.com/a%20b.jpg", "a%20b.jpg", false},
		{"escaped slash kept", "http://example.com/dir%2Fb.jpg", "dir%2Fb.jpg", false},
		{"invalid escape kept", "http://example.com/100%.jpg", "100%.jpg", false},
		{"query with slash", "http://example.com/a.jpg?next=/b.jpg", "a.jpg", false},
		{"no scheme", "static.flickr.com/1/a.jpg", "a.jpg", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveFilename(tt.url, config.FilenameBasename)
			if tt.wantErr {
				assert.ErrorIs(t, err, utils.ErrInvalidURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveFilename_URLHash(t *testing.T) {
	a, err := DeriveFilename("http://one.example.com/a.jpg", config.FilenameURLHash)
	require.NoError(t, err)
	b, err := DeriveFilename("http://two.example.com/a.jpg", config.FilenameURLHash)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "same basename on different hosts must not collide")
	assert.Regexp(t, `^a_[0-9a-f]{8}\.jpg$`, a)

	again, _ := DeriveFilename("http://one.example.com/a.jpg", config.FilenameURLHash)
	assert.Equal(t, a, again, "derivation is deterministic")

	odd, err := DeriveFilename("http://example.com/we%3Fird%3Aname.png", config.FilenameURLHash)
	require.NoError(t, err)
	assert.Regexp(t, `^we_ird_name_[0-9a-f]{8}\.png$`, odd)

	pct, err := DeriveFilename("http://example.com/100%.jpg", config.FilenameURLHash)
	require.NoError(t, err)
	assert.Regexp(t, `^100%_[0-9a-f]{8}\.jpg$`, pct, "undecodable segment is used as is")

	_, err = DeriveFilename("http://example.com/", config.FilenameURLHash)
	assert.ErrorIs(t, err, utils.ErrInvalidURL)
}

func TestCheckExisting(t *testing.T) {
	dir := t.TempDir()
	v := imaging.NewValidator(imaging.ModeFull)

	valid := filepath.Join(dir, "valid.png")
	require.NoError(t, os.WriteFile(valid, imagingtest.PNG(4, 3), 0644))
	corrupt := filepath.Join(dir, "corrupt.png")
	require.NoError(t, os.WriteFile(corrupt, imagingtest.Truncated(imagingtest.PNG(4, 3)), 0644))
	subdir := filepath.Join(dir, "sub.png")
	require.NoError(t, os.Mkdir(subdir, 0755))

	info, ok := CheckExisting(v, valid)
	assert.True(t, ok)
	assert.Equal(t, 4, info.Width)
	assert.Equal(t, 3, info.Height)

	_, ok = CheckExisting(v, corrupt)
	assert.False(t, ok, "corrupt file is not an existing image")

	_, ok = CheckExisting(v, filepath.Join(dir, "missing.png"))
	assert.False(t, ok)

	_, ok = CheckExisting(v, subdir)
	assert.False(t, ok, "directories are never images")
}

package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Sriram-PR/image-downloader/pkg/models"
	"github.com/Sriram-PR/image-downloader/pkg/utils"
)

// Captions is the on-disk input layout: three parallel arrays indexed by record.
// The fields are pointers so a missing or null key is told apart from an empty array.
type Captions struct {
	ImageURLs *[]string     `json:"image_urls"`
	UserIDs   *[]flexString `json:"user_ids"`
	Captions  *[]string     `json:"captions"`
}

// flexString accepts both JSON strings and numbers, since some dataset dumps store owner IDs as numbers
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("owner id must be a string or number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// Records converts the parallel arrays into records, once, at load time
func (c *Captions) Records() ([]models.ImageRecord, error) {
	var missing []string
	if c.ImageURLs == nil {
		missing = append(missing, "image_urls")
	}
	if c.UserIDs == nil {
		missing = append(missing, "user_ids")
	}
	if c.Captions == nil {
		missing = append(missing, "captions")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: JSON captions missing or null keys: %s", utils.ErrParsing, strings.Join(missing, ", "))
	}

	urls, owners, captions := *c.ImageURLs, *c.UserIDs, *c.Captions
	n := len(urls)
	if len(owners) != n || len(captions) != n {
		return nil, fmt.Errorf("%w: JSON arrays have unequal lengths (image_urls=%d, user_ids=%d, captions=%d)",
			utils.ErrParsing, n, len(owners), len(captions))
	}
	records := make([]models.ImageRecord, n)
	for i := range records {
		records[i] = models.ImageRecord{
			URL:     urls[i],
			OwnerID: string(owners[i]),
			Caption: captions[i],
		}
	}
	return records, nil
}

// DecodeRecords reads a captions document from r. A document that is not an object
// carrying all three arrays is a parsing error.
func DecodeRecords(r io.Reader) ([]models.ImageRecord, error) {
	var c *Captions
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: JSON captions: %w", utils.ErrParsing, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: JSON captions document is null", utils.ErrParsing)
	}
	return c.Records()
}

// LoadRecords reads the captions file at path. Any error is pipeline-fatal.
func LoadRecords(path string) ([]models.ImageRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening captions file '%s': %w", utils.ErrFilesystem, path, err)
	}
	defer f.Close()
	return DecodeRecords(f)
}

const captionsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["image_urls", "user_ids", "captions"],
  "properties": {
    "image_urls": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "user_ids":   {"type": "array", "items": {"type": ["string", "number"]}},
    "captions":   {"type": "array", "items": {"type": "string"}}
  }
}`

var compiledCaptionsSchema = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("captions.json", bytes.NewReader([]byte(captionsSchema))); err != nil {
		panic(err)
	}
	return compiler.MustCompile("captions.json")
}()

// ValidateCaptions checks a raw captions document against the captions schema and the
// equal-length rule, returning the record count. It decodes the whole document generically,
// so it is meant for the validate command rather than the download path.
func ValidateCaptions(data []byte) (int, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, fmt.Errorf("%w: JSON captions: %w", utils.ErrParsing, err)
	}
	if err := compiledCaptionsSchema.Validate(v); err != nil {
		return 0, fmt.Errorf("%w: JSON captions do not match schema: %w", utils.ErrParsing, err)
	}
	records, err := DecodeRecords(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

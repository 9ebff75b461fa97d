package certificate

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// Formats a certificate can be written in.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatCBOR = "cbor"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	// Timestamps keep nanoseconds so the decoded certificate still verifies.
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	if encMode, err = opts.EncMode(); err != nil {
		panic("certificate: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("certificate: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode serialises c in format.
func Encode(c *Certificate, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(c, "", "  ")
	case FormatYAML:
		return yaml.Marshal(c)
	case FormatCBOR:
		return encMode.Marshal(c)
	}
	return nil, fmt.Errorf("unknown certificate format %q", format)
}

// Decode parses a certificate written by Encode.
func Decode(data []byte, format string) (*Certificate, error) {
	var c Certificate
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &c)
	case FormatYAML:
		err = yaml.Unmarshal(data, &c)
	case FormatCBOR:
		err = decMode.Unmarshal(data, &c)
	default:
		return nil, fmt.Errorf("unknown certificate format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s certificate: %w", format, err)
	}
	return &c, nil
}

// FormatOf guesses the format from a file extension, defaulting to JSON.
func FormatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".cbor":
		return FormatCBOR
	}
	return FormatJSON
}

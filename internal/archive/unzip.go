package archive

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ErrChecksumMismatch means the payload does not match the published CHECKSUM file.
var ErrChecksumMismatch = errors.New("archive checksum mismatch")

// extractCSV returns the CSV member of a kline archive. Payloads that are not zip
// files (no "PK" magic) are returned as-is.
func extractCSV(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if !bytes.HasPrefix(payload, []byte("PK")) {
		return payload, nil
	}
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("opening zip: %w", err)
	}
	var out bytes.Buffer
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}
		_, err = io.Copy(&out, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.Name, err)
		}
		appendNewline(&out)
	}
	return out.Bytes(), nil
}

func appendNewline(buf *bytes.Buffer) {
	if buf.Len() > 0 && buf.Bytes()[buf.Len()-1] != '\n' {
		buf.WriteByte('\n')
	}
}

// verifyChecksum compares payload against a "<sha256>  <file>" CHECKSUM body.
func verifyChecksum(payload, checksumFile []byte) error {
	fields := strings.Fields(string(checksumFile))
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty checksum file", ErrChecksumMismatch)
	}
	sum := sha256.Sum256(payload)
	if !strings.EqualFold(fields[0], hex.EncodeToString(sum[:])) {
		return fmt.Errorf("%w: want %s got %s", ErrChecksumMismatch, fields[0], hex.EncodeToString(sum[:]))
	}
	return nil
}

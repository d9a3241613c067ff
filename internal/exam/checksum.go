package exam

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// AnswersChecksum is the hex BLAKE2b-256 digest of the canonical answers
// encoding: question ids ascending, one "id=<compact json>\n" line each.
func AnswersChecksum(answers map[int64]json.RawMessage) (string, error) {
	ids := make([]int64, 0, len(answers))
	for id := range answers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var buf bytes.Buffer
	for _, id := range ids {
		raw := bytes.TrimSpace(answers[id])
		if len(raw) == 0 {
			raw = []byte("null")
		}
		buf.WriteString(strconv.FormatInt(id, 10))
		buf.WriteByte('=')
		if err := json.Compact(&buf, raw); err != nil {
			return "", fmt.Errorf("%w: answer %d is not valid json", ErrMalformedPayload, id)
		}
		buf.WriteByte('\n')
	}

	sum := blake2b.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

func verifyChecksum(answers map[int64]json.RawMessage, provided string, required bool) error {
	provided = strings.ToLower(strings.TrimSpace(provided))
	if provided == "" {
		if required {
			return fmt.Errorf("%w: checksum is required", ErrChecksumMismatch)
		}
		return nil
	}
	want, err := AnswersChecksum(answers)
	if err != nil {
		return err
	}
	if want != provided {
		return ErrChecksumMismatch
	}
	return nil
}

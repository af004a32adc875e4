package activation

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ianchi/ifit/internal/session"
)

// CodeEntry is one candidate activation code from a codes file.
type CodeEntry struct {
	Code  string // hex string, decodes to the 36-byte secret
	Model string
}

// LoadCodes reads a CSV of code,model rows. Model cells may carry
// ;-separated annotations; only the first field counts.
func LoadCodes(path string) ([]CodeEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open codes file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("could not parse codes file %s: %w", path, err)
	}

	entries := make([]CodeEntry, 0, len(records))
	for _, row := range records {
		if len(row) < 2 {
			continue
		}
		entries = append(entries, CodeEntry{
			Code:  strings.TrimSpace(row[0]),
			Model: strings.SplitN(strings.TrimSpace(row[1]), ";", 2)[0],
		})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no activation codes found in %s", path)
	}
	return entries, nil
}

// DecodeCode turns a hex activation code into the raw secret the ENABLE
// command expects.
func DecodeCode(code string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("activation code is not valid hex: %w", err)
	}
	if len(raw) != session.ActivationCodeLength {
		return nil, fmt.Errorf("activation code must decode to %d bytes, got %d",
			session.ActivationCodeLength, len(raw))
	}
	return raw, nil
}

// ErrNoWorkingCode means every candidate code was rejected.
var ErrNoWorkingCode = errors.New("no activation code accepted by the equipment")

// TryCodes attempts candidates in order until the equipment accepts one.
// Each accepted code is verified with a read before being reported, since
// some firmware acknowledges ENABLE but only honors reads after a correct
// code.
func TryCodes(ctx context.Context, sess *session.Session, entries []CodeEntry, maxAttempts int, logger *log.Logger) (*CodeEntry, error) {
	if logger == nil {
		panic("TryCodes: logger cannot be nil")
	}
	if maxAttempts > 0 && maxAttempts < len(entries) {
		entries = entries[:maxAttempts]
	}
	for i := range entries {
		entry := &entries[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := DecodeCode(entry.Code)
		if err != nil {
			logger.Printf("Activation: skipping malformed code for %s: %v", entry.Model, err)
			continue
		}
		logger.Printf("Activation: trying code %d/%d (%s)", i+1, len(entries), entry.Model)

		if err := sess.Enable(ctx, raw); err != nil {
			if errors.Is(err, session.ErrAuthenticationFailed) || errors.Is(err, session.ErrTimeout) {
				continue
			}
			return nil, err
		}
		if _, err := sess.ReadByName(ctx, []string{"MaxIncline", "MinIncline"}); err != nil {
			logger.Printf("Activation: code for %s accepted but verification read failed: %v", entry.Model, err)
			continue
		}
		logger.Printf("Activation: success with code for %s", entry.Model)
		return entry, nil
	}
	return nil, ErrNoWorkingCode
}

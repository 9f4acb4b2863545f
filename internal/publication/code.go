package publication

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/mind-engage/mindengage-quiz/internal/exam"
)

const codeAttempts = 8

// codeChecksum is the 4-char suffix every access code of a test carries.
func codeChecksum(testID string) string {
	sum := blake2b.Sum256([]byte(testID))
	return strings.ToUpper(hex.EncodeToString(sum[:2]))
}

func randomDigits(r io.Reader) (string, error) {
	n, err := rand.Int(r, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// issueCode draws codes until the registry accepts one for testID.
func (m *Manager) issueCode(ctx context.Context, testID string) (string, error) {
	suffix := codeChecksum(testID)
	for i := 0; i < codeAttempts; i++ {
		digits, err := randomDigits(m.rand)
		if err != nil {
			return "", err
		}
		code := digits + suffix
		ok, err := m.codes.Reserve(ctx, code, testID, m.codeTTL)
		if err != nil {
			return "", fmt.Errorf("reserve access code: %v: %w", err, exam.ErrTransient)
		}
		if ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("no free access code for test %s after %d tries: %w", testID, codeAttempts, exam.ErrConflict)
}

// codeMatches compares case-insensitively in constant time.
func codeMatches(want, supplied string) bool {
	w := strings.ToUpper(strings.TrimSpace(want))
	s := strings.ToUpper(strings.TrimSpace(supplied))
	return subtle.ConstantTimeCompare([]byte(w), []byte(s)) == 1
}

// WellFormedCode reports whether code looks like one this package issues for
// testID: four digits followed by the test's checksum.
func WellFormedCode(testID, code string) bool {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 8 {
		return false
	}
	for _, c := range code[:4] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return code[4:] == codeChecksum(testID)
}

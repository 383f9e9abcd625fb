// Package hashid validates and generates the public identifiers that stand
// in for internal record IDs.
//
// Two read formats exist per record kind:
//
//	Application  legacy  {17-digit epoch millis}-{8 lowercase hex}
//	             code    SC{4 digits}{12 uppercase alphanumerics}
//	Ticket       legacy  {17-digit epoch millis}-{32 alphanumerics}
//	             code    ST{4 digits}{12 uppercase alphanumerics}
//
// Only the code format is written. The four digits are the two-digit issue
// year followed by two random digits.
package hashid

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/width"

	"github.com/circlelink/linkage-core/internal/domain"
)

// ErrInvalidFormat is returned for input that matches no accepted shape.
var ErrInvalidFormat = errors.New("invalid hash id format")

// Format tells which generation scheme produced a hash ID.
type Format int

const (
	FormatLegacy Format = iota + 1
	FormatCode
)

var (
	legacyApplicationRE = regexp.MustCompile(`^\d{17}-[0-9a-f]{8}$`)
	codeApplicationRE   = regexp.MustCompile(`^SC\d{4}[0-9A-Z]{12}$`)
	legacyTicketRE      = regexp.MustCompile(`^\d{17}-[0-9A-Za-z]{32}$`)
	codeTicketRE        = regexp.MustCompile(`^ST\d{4}[0-9A-Z]{12}$`)
)

const (
	codeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeBodyLen  = 12
	maxInputLen  = 64
)

// Normalize trims surrounding space and folds full-width characters, which
// people paste from mobile keyboards and spreadsheets.
func Normalize(s string) string {
	return strings.TrimSpace(width.Narrow.String(strings.TrimSpace(s)))
}

// Classify reports the record kind and format of s. Input is expected to be
// normalized already.
func Classify(s string) (domain.RecordKind, Format, error) {
	if len(s) == 0 || len(s) > maxInputLen {
		return "", 0, ErrInvalidFormat
	}
	switch {
	case codeApplicationRE.MatchString(s):
		return domain.KindApplication, FormatCode, nil
	case codeTicketRE.MatchString(s):
		return domain.KindTicket, FormatCode, nil
	case legacyApplicationRE.MatchString(s):
		return domain.KindApplication, FormatLegacy, nil
	case legacyTicketRE.MatchString(s):
		return domain.KindTicket, FormatLegacy, nil
	}
	return "", 0, ErrInvalidFormat
}

// Validate checks that s is a well-formed hash ID of the given kind.
func Validate(s string, kind domain.RecordKind) error {
	k, _, err := Classify(s)
	if err != nil {
		return err
	}
	if k != kind {
		return ErrInvalidFormat
	}
	return nil
}

// Generator draws write-format hash IDs.
type Generator struct {
	// Rand is the entropy source; nil means crypto/rand.
	Rand io.Reader
	// Now supplies the issue year; nil means time.Now.
	Now func() time.Time
}

// New draws a hash ID for kind using the default generator.
func New(kind domain.RecordKind) (string, error) {
	return Generator{}.New(kind)
}

// New draws a hash ID for kind. Payment hash IDs are issued by the gateway
// and cannot be generated here.
func (g Generator) New(kind domain.RecordKind) (string, error) {
	var prefix string
	switch kind {
	case domain.KindApplication:
		prefix = "SC"
	case domain.KindTicket:
		prefix = "ST"
	case domain.KindPayment:
		return "", errors.New("payment hash ids are issued by the gateway")
	default:
		return "", errors.New("unknown record kind")
	}

	r := g.Rand
	if r == nil {
		r = rand.Reader
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}

	var b strings.Builder
	b.Grow(len(prefix) + 4 + codeBodyLen)
	b.WriteString(prefix)

	yy := now().UTC().Year() % 100
	b.WriteByte(byte('0' + yy/10))
	b.WriteByte(byte('0' + yy%10))
	for i := 0; i < 2; i++ {
		c, err := pick(r, codeAlphabet[:10])
		if err != nil {
			return "", err
		}
		b.WriteByte(c)
	}
	for i := 0; i < codeBodyLen; i++ {
		c, err := pick(r, codeAlphabet)
		if err != nil {
			return "", err
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

// pick draws one character of alphabet uniformly.
func pick(r io.Reader, alphabet string) (byte, error) {
	n, err := rand.Int(r, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, err
	}
	return alphabet[n.Int64()], nil
}

// ValidExternal reports whether s is acceptable as a gateway-issued payment
// reference: 1..64 characters from a conservative token set.
func ValidExternal(s string) bool {
	return len(s) > 0 && len(s) <= maxInputLen && externalRE.MatchString(s)
}

var externalRE = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

// Generate draws a hash ID for kind stamped with the year of now.
func Generate(kind domain.RecordKind, now time.Time) (string, error) {
	return Generator{Now: func() time.Time { return now }}.New(kind)
}

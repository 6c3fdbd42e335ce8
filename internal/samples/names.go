package samples

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Extension of every stored sample.
const Extension = ".jpg"

// ErrInvalidPersonID is returned for ids that cannot be embedded in a file name.
var ErrInvalidPersonID = errors.New("invalid person id")

var personIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]*$`)

// ValidatePersonID checks that id can be embedded verbatim as the first token
// of a sample file name.
func ValidatePersonID(id string) error {
	if len(id) > 64 || !personIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidPersonID, id)
	}
	return nil
}

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// SafeName turns a display name into a file-name token: no diacritics,
// lower case, and runs of other characters collapsed to a single dash.
func SafeName(displayName string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(RemoveDiacritics(displayName)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	name := strings.TrimSuffix(b.String(), "-")
	if name == "" {
		return "person"
	}
	return name
}

// Sample describes one stored face crop as encoded in its file name.
type Sample struct {
	PersonID string
	SafeName string
	Epoch    int64
	Index    int
	Path     string
}

// FileName builds <person_id>_<safe_name>_<epoch>_<index>.jpg.
func FileName(personID, displayName string, epoch int64, index int) string {
	return fmt.Sprintf("%s_%s_%d_%d%s", personID, SafeName(displayName), epoch, index, Extension)
}

// ParseFileName decodes a sample file name. Only the base name is inspected.
func ParseFileName(path string) (Sample, error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, Extension) {
		return Sample{}, fmt.Errorf("not a sample file: %s", base)
	}
	parts := strings.Split(strings.TrimSuffix(base, Extension), "_")
	if len(parts) != 4 {
		return Sample{}, fmt.Errorf("malformed sample name: %s", base)
	}
	if err := ValidatePersonID(parts[0]); err != nil {
		return Sample{}, fmt.Errorf("malformed sample name %s: %w", base, err)
	}
	epoch, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("malformed epoch in %s: %w", base, err)
	}
	index, err := strconv.Atoi(parts[3])
	if err != nil || index < 0 {
		return Sample{}, fmt.Errorf("malformed index in %s", base)
	}
	return Sample{
		PersonID: parts[0],
		SafeName: parts[1],
		Epoch:    epoch,
		Index:    index,
		Path:     path,
	}, nil
}

package pose

import (
	"fmt"
	"path/filepath"
	"strings"

	neuralvps "github.com/Mineru98/neural-vps-go"
)

// Identity is the parsed form of <prefix>_<numericID>_<suffix>.<ext>
type Identity struct {
	Prefix string
	ID     string
	Suffix string
	Ext    string
}

// ParseIdentity extracts the identity of an image path.
// Example: spherical_2813220026700000_f.jpg -> ID 2813220026700000
func ParseIdentity(path string) (Identity, error) {
	base := strings.TrimSpace(filepath.Base(path))
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	parts := strings.Split(stem, "_")
	if len(parts) < 3 || !isNumeric(parts[1]) {
		return Identity{}, fmt.Errorf("%w: %s", neuralvps.ErrBadFilename, base)
	}

	return Identity{
		Prefix: parts[0],
		ID:     parts[1],
		Suffix: strings.Join(parts[2:], "_"),
		Ext:    strings.TrimPrefix(ext, "."),
	}, nil
}

// FilenamesToIDs maps every path to its numeric ID; unparsable names map to ""
func FilenamesToIDs(paths []string) []string {
	ids := make([]string, len(paths))
	for i, p := range paths {
		if id, err := ParseIdentity(p); err == nil {
			ids[i] = id.ID
		}
	}
	return ids
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

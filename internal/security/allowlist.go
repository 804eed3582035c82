package security

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidTOML indicates an allowlist file that exists but cannot be parsed.
	ErrInvalidTOML = errors.New("security: invalid allowlist TOML")
	// ErrInvalidRegex indicates an allowlist pattern that does not compile.
	ErrInvalidRegex = errors.New("security: invalid allowlist pattern")
)

// Allowlist contains content patterns excluded from detection, e.g. the
// lender's published phone numbers or documentation SSNs.
type Allowlist struct {
	Regexes []string
}

// LoadAllowlists loads and merges the project and user allowlists using
// union logic. Missing files are silently skipped; files that exist but do
// not parse, or carry patterns that do not compile, fail the load.
func LoadAllowlists(projectFile, userFile string) (*Allowlist, error) {
	merged := &Allowlist{Regexes: []string{}}

	for _, path := range []string{projectFile, userFile} {
		if path == "" {
			continue
		}
		loaded, err := loadTOML(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		merged.Regexes = append(merged.Regexes, loaded.Regexes...)
	}

	return merged, nil
}

// loadTOML loads and validates a single allowlist file.
func loadTOML(path string) (*Allowlist, error) {
	var config struct {
		Allowlist struct {
			Regexes []string
		}
	}

	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range config.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{Regexes: config.Allowlist.Regexes}, nil
}

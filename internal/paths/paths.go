package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go-mod-downloads/internal/helpers"
)

// DefaultPattern places each game's downloads in a directory named after its id.
const DefaultPattern = "{game}"

// Define allowed tags using a map for easy lookup
var allowedTags = map[string]struct{}{
	"game":     {},
	"gameName": {},
}

// Regex to find tags like {tagName}
var tagRegex = regexp.MustCompile(`\{([^}]+)\}`)

// GeneratePath substitutes placeholders in a pattern string with sanitized values from the data map.
// It returns the generated relative path string or an error if substitution fails.
func GeneratePath(pattern string, data map[string]string) (string, error) {
	generatedPath := pattern

	matches := tagRegex.FindAllStringSubmatch(pattern, -1)
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		tagName := match[1]
		tagWithBraces := match[0]

		if _, allowed := allowedTags[tagName]; !allowed {
			return "", fmt.Errorf("unknown tag found in path pattern: %s", tagWithBraces)
		}

		sanitizedValue := helpers.ConvertToSlug(data[tagName])
		if sanitizedValue == "" {
			sanitizedValue = "empty_" + tagName
		}

		generatedPath = strings.ReplaceAll(generatedPath, tagWithBraces, sanitizedValue)
	}

	cleanedPath := filepath.Clean(generatedPath)
	if cleanedPath == "." || cleanedPath == "" {
		return "", fmt.Errorf("generated path pattern resulted in an empty or invalid path: '%s'", pattern)
	}
	// Ensure it's a relative path
	cleanedPath = strings.TrimPrefix(cleanedPath, string(filepath.Separator))

	// Security check: Prevent path traversal
	if strings.Contains(cleanedPath, "..") {
		return "", fmt.Errorf("generated path contains invalid sequence '..': %s", cleanedPath)
	}

	return cleanedPath, nil
}

// Resolver maps game ids to the directories their downloads live in.
type Resolver struct {
	base    string
	pattern string
}

// NewResolver returns a Resolver rooted at base. An empty pattern uses DefaultPattern.
func NewResolver(base, pattern string) *Resolver {
	if pattern == "" {
		pattern = DefaultPattern
	}
	return &Resolver{base: base, pattern: pattern}
}

// DownloadPath is the directory for downloads not assigned to any game.
func (r *Resolver) DownloadPath() string {
	return r.base
}

// DownloadPathForGame returns the directory for downloads whose primary game
// is gameID. override is the game's configured download directory, if any;
// a relative override is taken relative to the base path.
func (r *Resolver) DownloadPathForGame(gameID, gameName, override string) (string, error) {
	if gameID == "" {
		return r.base, nil
	}
	if override != "" {
		if filepath.IsAbs(override) {
			return filepath.Clean(override), nil
		}
		return filepath.Join(r.base, helpers.SanitizePath(override)), nil
	}

	rel, err := GeneratePath(r.pattern, map[string]string{
		"game":     gameID,
		"gameName": gameName,
	})
	if err != nil {
		return "", err
	}
	return filepath.Join(r.base, rel), nil
}

// ValidatePattern returns an error if pattern uses tags the resolver cannot fill.
func ValidatePattern(pattern string) error {
	_, err := GeneratePath(pattern, map[string]string{"game": "game", "gameName": "game"})
	return err
}

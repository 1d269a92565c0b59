package models

import (
	"encoding/json"
	"sort"
	"strings"
)

// GameList is the ordered list of games a download is associated with.
// Element 0 is the primary game, the one whose download directory holds the
// file. The whole list is the download's compatibility list.
//
// Older records stored a single game id as a plain string, so GameList
// unmarshals from either a JSON string or a JSON array of strings.
type GameList []string

// UnmarshalJSON implements json.Unmarshaler for GameList
func (g *GameList) UnmarshalJSON(data []byte) error {
	// First try to unmarshal as a string
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		if str == "" {
			*g = GameList{}
		} else {
			*g = GameList{str}
		}
		return nil
	}

	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	*g = arr
	return nil
}

// Primary returns the primary game id or "" for an unassigned download.
func (g GameList) Primary() string {
	if len(g) == 0 {
		return ""
	}
	return g[0]
}

// Contains reports whether id is one of the compatible games.
func (g GameList) Contains(id string) bool {
	for _, gameID := range g {
		if gameID == id {
			return true
		}
	}
	return false
}

// Clone returns a copy that does not share the backing array.
func (g GameList) Clone() GameList {
	if g == nil {
		return nil
	}
	out := make(GameList, len(g))
	copy(out, g)
	return out
}

type (
	// Config holds the application's configuration settings.
	Config struct {
		DownloadsPath       string         `toml:"DownloadsPath" json:"DownloadsPath"`
		DownloadPathPattern string         `toml:"DownloadPathPattern" json:"DownloadPathPattern"`
		DatabasePath        string         `toml:"DatabasePath" json:"DatabasePath"`
		IndexPath           string         `toml:"IndexPath" json:"IndexPath"`
		LogLevel            string         `toml:"LogLevel" json:"LogLevel"`
		LogFormat           string         `toml:"LogFormat" json:"LogFormat"`
		Reassign            ReassignConfig `toml:"Reassign" json:"Reassign"`
		Fetch               FetchConfig    `toml:"Fetch" json:"Fetch"`
		DB                  DBConfig       `toml:"DB" json:"DB"`
		LogHTTPRequests     bool           `toml:"LogHTTPRequests" json:"LogHTTPRequests"`
	}

	// ReassignConfig holds settings for moving downloads between games.
	ReassignConfig struct {
		Concurrency            int  `toml:"Concurrency" json:"Concurrency"`
		RollbackOnStoreFailure bool `toml:"RollbackOnStoreFailure" json:"RollbackOnStoreFailure"`
	}

	// FetchConfig holds settings for the 'downloads fetch' command.
	FetchConfig struct {
		UserAgent  string `toml:"UserAgent" json:"UserAgent"`
		TimeoutSec int    `toml:"TimeoutSec" json:"TimeoutSec"`
		MaxRetries int    `toml:"MaxRetries" json:"MaxRetries"`
	}

	// DBConfig holds settings specific to the 'db' command group.
	DBConfig struct {
		Verify DBVerifyConfig `toml:"Verify" json:"Verify"`
	}

	// DBVerifyConfig holds settings for the 'db verify' subcommand.
	DBVerifyConfig struct {
		CheckHash bool `toml:"CheckHash" json:"CheckHash"`
	}
)

// Download states
const (
	StateStarted  = "started"
	StateFinished = "finished"
	StateFailed   = "failed"
)

// Download is a persisted download record.
type Download struct {
	ID string `json:"id"`
	// LocalPath is the file name relative to the primary game's download directory.
	LocalPath string   `json:"localPath"`
	Games     GameList `json:"game"`
	URLs      []string `json:"urls,omitempty"`
	State     string   `json:"state"`
	FileHash  string   `json:"fileHash,omitempty"` // BLAKE3, hex
	Size      int64    `json:"size"`
	Timestamp int64    `json:"timestamp"`
}

// Tool is an executable discovered for (or added by the user to) a game.
type Tool struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Hidden bool   `json:"hidden"`
	Custom bool   `json:"custom"`
}

// Game is a discovered game and its user-adjustable settings.
type Game struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
	// DownloadPath overrides the pattern-derived download directory when set.
	DownloadPath string          `json:"downloadPath,omitempty"`
	Tools        map[string]Tool `json:"tools,omitempty"`
	Hidden       bool            `json:"hidden"`
}

// ToolIDs returns the game's tool ids in sorted order.
func (g Game) ToolIDs() []string {
	ids := make([]string, 0, len(g.Tools))
	for id := range g.Tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GameParameters carries optional game fields; nil fields are left unchanged.
type GameParameters struct {
	Name         *string
	Path         *string
	DownloadPath *string
}

// NotificationType is the severity of a user-facing notification.
type NotificationType string

const (
	NotificationSuccess NotificationType = "success"
	NotificationInfo    NotificationType = "info"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

// Notification is a message for the user. Title and Message may contain
// {{key}} placeholders that are filled from Replace.
type Notification struct {
	Type    NotificationType  `json:"type"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Replace map[string]string `json:"replace,omitempty"`
	// AllowReport marks errors worth reporting upstream. Filesystem trouble
	// on the user's machine is not.
	AllowReport bool `json:"allowReport"`
}

// Render returns s with every {{key}} placeholder substituted from Replace.
func (n Notification) Render(s string) string {
	if len(n.Replace) == 0 {
		return s
	}
	pairs := make([]string, 0, len(n.Replace)*2)
	for k, v := range n.Replace {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

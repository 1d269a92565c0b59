// Package index keeps a bleve full-text index of download records.
package index

import (
	"errors"
	"fmt"
	"strings"

	"go-mod-downloads/internal/models"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	log "github.com/sirupsen/logrus"
)

// DefaultLimit is used when Search is called with a non-positive limit.
const DefaultLimit = 50

// Item is the indexed form of a download.
type Item struct {
	ID        string   `json:"id"`
	FileName  string   `json:"fileName"`
	Words     string   `json:"words"`
	Games     []string `json:"games"`
	GameNames []string `json:"gameNames"`
	State     string   `json:"state"`
}

// File names keep their punctuation in fileName, which the standard analyzer
// does not split on, so the separated words are indexed as well.
var fileNameWords = strings.NewReplacer(".", " ", "-", " ", "_", " ")

// ItemFor builds the index item of a download. gameNames are the display
// names of dl.Games, in any order.
func ItemFor(dl models.Download, gameNames []string) Item {
	return Item{
		ID:        dl.ID,
		FileName:  dl.LocalPath,
		Words:     fileNameWords.Replace(dl.LocalPath),
		Games:     []string(dl.Games.Clone()),
		GameNames: gameNames,
		State:     dl.State,
	}
}

// Index wraps a bleve index of download items.
type Index struct {
	idx bleve.Index
}

func buildMapping() mapping.IndexMapping {
	keyword := bleve.NewKeywordFieldMapping()

	item := bleve.NewDocumentMapping()
	item.AddFieldMappingsAt("id", keyword)
	item.AddFieldMappingsAt("state", keyword)
	item.AddFieldMappingsAt("fileName", bleve.NewTextFieldMapping())
	item.AddFieldMappingsAt("words", bleve.NewTextFieldMapping())
	item.AddFieldMappingsAt("games", bleve.NewTextFieldMapping())
	item.AddFieldMappingsAt("gameNames", bleve.NewTextFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = item
	return m
}

// OpenOrCreateIndex opens the index at path, creating it when it does not
// exist yet. An empty path creates an in-memory index.
func OpenOrCreateIndex(path string) (*Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildMapping())
		if err != nil {
			return nil, fmt.Errorf("creating in-memory index: %w", err)
		}
		return &Index{idx: idx}, nil
	}

	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Infof("[Index] Creating new index at %s", path)
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("opening index at %s: %w", path, err)
	}
	return &Index{idx: idx}, nil
}

// IndexDownload adds or replaces the entry for a download.
func (i *Index) IndexDownload(item Item) error {
	if err := i.idx.Index(item.ID, item); err != nil {
		return fmt.Errorf("indexing download %s: %w", item.ID, err)
	}
	return nil
}

// DeleteDownload removes the entry for a download. Unknown ids are ignored.
func (i *Index) DeleteDownload(id string) error {
	if err := i.idx.Delete(id); err != nil {
		return fmt.Errorf("removing download %s from index: %w", id, err)
	}
	return nil
}

// Search returns the ids of downloads matching query, best match first.
// query uses bleve's query string syntax, so "games:skyrim" restricts the
// match to a field. An empty query matches everything.
func (i *Index) Search(query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	var req *bleve.SearchRequest
	if strings.TrimSpace(query) == "" {
		req = bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), limit, 0, false)
		req.SortBy([]string{"_id"})
	} else {
		req = bleve.NewSearchRequestOptions(bleve.NewQueryStringQuery(query), limit, 0, false)
	}

	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching index for %q: %w", query, err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Count returns the number of indexed downloads.
func (i *Index) Count() (uint64, error) {
	return i.idx.DocCount()
}

// Close closes the underlying index.
func (i *Index) Close() error {
	return i.idx.Close()
}

// Package fetcher reads marketplace listing exports into raw listing rows.
package fetcher

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/studioforge/marketpulse/internal/model"
)

// XLSXOptions configures the listing export parser.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// Export column headers, matched case-insensitively after trimming.
var columnAliases = map[string]string{
	"title":        "title",
	"url":          "url",
	"item url":     "url",
	"link":         "url",
	"price":        "price",
	"currency":     "currency",
	"watchers":     "watchers",
	"watch count":  "watchers",
	"bids":         "bids",
	"bid count":    "bids",
	"auction":      "auction",
	"format":       "auction",
	"state":        "state",
	"status":       "state",
	"search term":  "search_term",
	"keyword":      "search_term",
	"observed at":  "observed_at",
	"date":         "observed_at",
	"listing date": "observed_at",
}

// ReadListings parses a marketplace XLSX export into raw listings for one
// owner. The first row is the header; unknown columns are ignored, and rows
// missing a title or URL are skipped.
func ReadListings(path, ownerID string, opts XLSXOptions) ([]model.RawListing, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) < 2 {
		return nil, eris.New("xlsx: export has no data rows")
	}

	cols := mapColumns(rowToStrings(sheet.Rows[0]))
	if _, ok := cols["title"]; !ok {
		return nil, eris.New("xlsx: export is missing a title column")
	}
	if _, ok := cols["url"]; !ok {
		return nil, eris.New("xlsx: export is missing a url column")
	}

	var listings []model.RawListing
	for _, row := range sheet.Rows[1:] {
		cells := rowToStrings(row)
		listing, ok := parseRow(cells, cols, ownerID)
		if !ok {
			continue
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

func parseRow(cells []string, cols map[string]int, ownerID string) (model.RawListing, bool) {
	get := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(cells) {
			return ""
		}
		return strings.TrimSpace(cells[i])
	}

	title := get("title")
	url := get("url")
	if title == "" || url == "" {
		return model.RawListing{}, false
	}

	price, _ := strconv.ParseFloat(strings.TrimLeft(get("price"), "$€£ "), 64)

	listing := model.RawListing{
		OwnerID:    ownerID,
		SourceURL:  url,
		Title:      title,
		Price:      price,
		Currency:   strings.ToUpper(get("currency")),
		SearchTerm: strings.ToLower(get("search_term")),
		State:      model.ListingActive,
		ObservedAt: time.Now().UTC(),
	}
	if listing.Currency == "" {
		listing.Currency = "USD"
	}

	if v := get("bids"); v != "" {
		listing.BidCount, _ = strconv.Atoi(v)
	}
	if v := get("watchers"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			listing.WatcherCount = &n
		}
	}
	if v := strings.ToLower(get("auction")); v == "auction" || v == "true" || v == "yes" {
		listing.IsAuction = true
	}
	if strings.ToLower(get("state")) == "sold" {
		listing.State = model.ListingSold
	}
	if v := get("observed_at"); v != "" {
		for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339} {
			if t, err := time.Parse(layout, v); err == nil {
				listing.ObservedAt = t.UTC()
				break
			}
		}
	}
	return listing, true
}

func mapColumns(header []string) map[string]int {
	cols := map[string]int{}
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if name, ok := columnAliases[key]; ok {
			if _, dup := cols[name]; !dup {
				cols[name] = i
			}
		}
	}
	return cols
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

package domain

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	shareTitle     = "שיתוף מיקום פריחה"
	shareCopiedMsg = "הקישור הועתק ללוח!"
)

// ShareLink is the payload behind a sighting's "share this location" action.
type ShareLink struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
	// Clipboard is copied when the client has no native share sheet.
	Clipboard string `json:"clipboard"`
	// Copied confirms a clipboard fallback to the user.
	Copied string `json:"copied"`
}

// NewShareLink builds the maps link and message for flowers seen at lat, lon.
func NewShareLink(lat, lon float64, flowers []string) ShareLink {
	url := fmt.Sprintf("https://www.google.com/maps?q=%s,%s",
		strconv.FormatFloat(lat, 'f', -1, 64),
		strconv.FormatFloat(lon, 'f', -1, 64))
	text := fmt.Sprintf("מצאתי %s במיקום הזה!", strings.Join(CleanNames(flowers), ", "))
	return ShareLink{
		URL:       url,
		Title:     shareTitle,
		Text:      text,
		Clipboard: text + "\n" + url,
		Copied:    shareCopiedMsg,
	}
}

package datatracker

import "time"

// timeLayout is the timestamp format the datatracker API accepts in query
// filters.
const timeLayout = "2006-01-02T15:04:05"

// Email maps one address to a person resource.
type Email struct {
	ResourceURI string `json:"resource_uri"`
	Address     string `json:"address"`
	Person      string `json:"person"`
	Time        string `json:"time"`
	Origin      string `json:"origin"`
	Primary     bool   `json:"primary"`
	Active      bool   `json:"active"`
}

// Person is a datatracker person record.
type Person struct {
	ResourceURI string `json:"resource_uri"`
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	NameFrom    string `json:"name_from_draft"`
	ASCII       string `json:"ascii"`
	ASCIIShort  string `json:"ascii_short"`
	User        string `json:"user"`
	Time        string `json:"time"`
	Photo       string `json:"photo"`
	PhotoThumb  string `json:"photo_thumb"`
	Biography   string `json:"biography"`
}

// Document is a datatracker document record. DocumentURL is derived from
// the document type; it is not part of the wire payload.
type Document struct {
	ResourceURI      string   `json:"resource_uri"`
	Name             string   `json:"name"`
	Title            string   `json:"title"`
	Pages            int      `json:"pages"`
	Words            int      `json:"words"`
	Time             string   `json:"time"`
	Notify           string   `json:"notify"`
	Expires          string   `json:"expires"`
	Type             string   `json:"type"`
	Rev              string   `json:"rev"`
	Abstract         string   `json:"abstract"`
	States           []string `json:"states"`
	AD               string   `json:"ad"`
	Shepherd         string   `json:"shepherd"`
	Group            string   `json:"group"`
	Stream           string   `json:"stream"`
	RFC              string   `json:"rfc"`
	StdLevel         string   `json:"std_level"`
	IntendedStdLevel string   `json:"intended_std_level"`
	UploadedFilename string   `json:"uploaded_filename"`
	ExternalURL      string   `json:"external_url"`

	DocumentURL string `json:"-"`
}

// Group is a datatracker working-group record.
type Group struct {
	ResourceURI string `json:"resource_uri"`
	ID          int64  `json:"id"`
	Acronym     string `json:"acronym"`
	Name        string `json:"name"`
	State       string `json:"state"`
	Type        string `json:"type"`
	Parent      string `json:"parent"`
	Description string `json:"description"`
	Charter     string `json:"charter"`
	ListEmail   string `json:"list_email"`
	ListArchive string `json:"list_archive"`
	Time        string `json:"time"`
}

// PeopleFilter narrows a people enumeration.
type PeopleFilter struct {
	Since        time.Time
	Until        time.Time
	NameContains string
}

// DocumentsFilter narrows a document enumeration. DocType takes the short
// type names the API uses ("draft", "charter", "minutes", ...).
type DocumentsFilter struct {
	Since   time.Time
	Until   time.Time
	DocType string
	Group   string
}

// GroupsFilter narrows a group enumeration.
type GroupsFilter struct {
	NameContains string
}

// Package rfcindex parses the RFC Editor's rfc-index.xml into in-memory
// records: RFC entries plus the BCP, STD and FYI subseries. Parsing is a
// one-shot, stateless tree walk; optional fields normalize to zero values
// and empty slices so callers never probe for presence.
package rfcindex

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
)

// Format describes one published rendering of an RFC.
type Format struct {
	FileFormat string
	CharCount  int
	PageCount  int
}

// Date is an RFC publication date. Day is zero except for the 1 April RFCs,
// which carry one.
type Date struct {
	Day   int
	Month string
	Year  int
}

// RFC is one rfc-entry record.
type RFC struct {
	DocID             string
	Title             string
	DOI               string
	Stream            string
	WG                string
	Area              string
	CurrentStatus     string
	PublicationStatus string
	Authors           []string
	Date              Date
	Formats           []Format
	Draft             string
	Keywords          []string
	Updates           []string
	UpdatedBy         []string
	Obsoletes         []string
	ObsoletedBy       []string
	IsAlso            []string
	SeeAlso           []string
	ErrataURL         string
	Abstract          string
}

// Subseries is one BCP, STD or FYI entry mapping a subseries id to the RFCs
// it currently comprises.
type Subseries struct {
	DocID  string
	Title  string
	IsAlso []string
}

// Index is the parsed rfc-index contents.
type Index struct {
	RFCs      []RFC
	BCPs      []Subseries
	STDs      []Subseries
	FYIs      []Subseries
	NotIssued []string

	byDocID map[string]*RFC
}

// RFC returns the entry for a doc-id like "RFC3550", or false if unknown.
func (idx *Index) RFC(docID string) (*RFC, bool) {
	rfc, ok := idx.byDocID[strings.ToUpper(strings.TrimSpace(docID))]
	return rfc, ok
}

// wire-format shadow types

type xmlAuthor struct {
	Name string `xml:"name"`
}

type xmlDate struct {
	Day   int    `xml:"day"`
	Month string `xml:"month"`
	Year  int    `xml:"year"`
}

type xmlFormat struct {
	FileFormat string `xml:"file-format"`
	CharCount  int    `xml:"char-count"`
	PageCount  int    `xml:"page-count"`
}

type xmlAbstract struct {
	Paragraphs []string `xml:"p"`
}

type xmlRFCEntry struct {
	DocID             string      `xml:"doc-id"`
	Title             string      `xml:"title"`
	DOI               string      `xml:"doi"`
	Stream            string      `xml:"stream"`
	WG                string      `xml:"wg_acronym"`
	Area              string      `xml:"area"`
	CurrentStatus     string      `xml:"current-status"`
	PublicationStatus string      `xml:"publication-status"`
	Authors           []xmlAuthor `xml:"author"`
	Date              xmlDate     `xml:"date"`
	Formats           []xmlFormat `xml:"format"`
	Draft             string      `xml:"draft"`
	Keywords          []string    `xml:"keywords>kw"`
	Updates           []string    `xml:"updates>doc-id"`
	UpdatedBy         []string    `xml:"updated-by>doc-id"`
	Obsoletes         []string    `xml:"obsoletes>doc-id"`
	ObsoletedBy       []string    `xml:"obsoleted-by>doc-id"`
	IsAlso            []string    `xml:"is-also>doc-id"`
	SeeAlso           []string    `xml:"see-also>doc-id"`
	ErrataURL         string      `xml:"errata-url"`
	Abstract          xmlAbstract `xml:"abstract"`
}

type xmlSubseries struct {
	DocID  string   `xml:"doc-id"`
	Title  string   `xml:"title"`
	IsAlso []string `xml:"is-also>doc-id"`
}

type xmlNotIssued struct {
	DocID string `xml:"doc-id"`
}

type xmlIndex struct {
	XMLName   xml.Name       `xml:"rfc-index"`
	RFCs      []xmlRFCEntry  `xml:"rfc-entry"`
	BCPs      []xmlSubseries `xml:"bcp-entry"`
	STDs      []xmlSubseries `xml:"std-entry"`
	FYIs      []xmlSubseries `xml:"fyi-entry"`
	NotIssued []xmlNotIssued `xml:"rfc-not-issued-entry"`
}

// Parse reads an rfc-index.xml document.
func Parse(r io.Reader) (*Index, error) {
	var raw xmlIndex
	if err := xml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode rfc-index: %w", err)
	}

	idx := &Index{
		RFCs:    make([]RFC, 0, len(raw.RFCs)),
		byDocID: make(map[string]*RFC, len(raw.RFCs)),
	}

	for _, entry := range raw.RFCs {
		rfc := RFC{
			DocID:             entry.DocID,
			Title:             entry.Title,
			DOI:               entry.DOI,
			Stream:            entry.Stream,
			WG:                entry.WG,
			Area:              entry.Area,
			CurrentStatus:     entry.CurrentStatus,
			PublicationStatus: entry.PublicationStatus,
			Date:              Date(entry.Date),
			Draft:             entry.Draft,
			Keywords:          dropEmpty(entry.Keywords),
			Updates:           entry.Updates,
			UpdatedBy:         entry.UpdatedBy,
			Obsoletes:         entry.Obsoletes,
			ObsoletedBy:       entry.ObsoletedBy,
			IsAlso:            entry.IsAlso,
			SeeAlso:           entry.SeeAlso,
			ErrataURL:         entry.ErrataURL,
			Abstract:          strings.Join(entry.Abstract.Paragraphs, "\n\n"),
		}
		for _, author := range entry.Authors {
			rfc.Authors = append(rfc.Authors, author.Name)
		}
		for _, format := range entry.Formats {
			rfc.Formats = append(rfc.Formats, Format(format))
		}
		idx.RFCs = append(idx.RFCs, rfc)
	}
	for i := range idx.RFCs {
		idx.byDocID[idx.RFCs[i].DocID] = &idx.RFCs[i]
	}

	idx.BCPs = convertSubseries(raw.BCPs)
	idx.STDs = convertSubseries(raw.STDs)
	idx.FYIs = convertSubseries(raw.FYIs)
	for _, entry := range raw.NotIssued {
		idx.NotIssued = append(idx.NotIssued, entry.DocID)
	}
	return idx, nil
}

// ParseFile reads an rfc-index.xml document from disk.
func ParseFile(path string) (*Index, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rfc-index: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

func convertSubseries(entries []xmlSubseries) []Subseries {
	out := make([]Subseries, 0, len(entries))
	for _, entry := range entries {
		out = append(out, Subseries(entry))
	}
	return out
}

// dropEmpty removes empty <kw/> elements the index occasionally carries.
func dropEmpty(values []string) []string {
	out := values[:0]
	for _, value := range values {
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}

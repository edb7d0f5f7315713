// Package rdf extracts bibliographic records from per-book Gutenberg RDF
// documents. The upstream XML is loosely structured and inconsistent across
// decades of digitization, so extraction works strategy-by-strategy over a
// decoded document tree rather than assuming one fixed shape.
package rdf

import "encoding/xml"

// xmlDocument is the root of a pg{id}.rdf file. Tags match on local names,
// so the dcterms/pgterms/marcrel namespaces need no explicit handling.
// Structure derived the same way as the catalog loader: paste a sample into
// an XML-to-Go converter, then trim to the fields we read.
type xmlDocument struct {
	XMLName xml.Name `xml:"RDF"`
	Ebook   xmlEbook `xml:"ebook"`
}

type xmlEbook struct {
	About   string      `xml:"about,attr"`
	Titles  []string    `xml:"title"`
	Creator *xmlAgentRef `xml:"creator"`
	// marcrel:com, a compiler credited when no primary creator exists
	Compiler    *xmlAgentRef `xml:"com"`
	Bookshelves []xmlValued  `xml:"bookshelf"`
	Subjects    []xmlSubject `xml:"subject"`
	Languages   []xmlValued  `xml:"language"`
	Downloads   *xmlText     `xml:"downloads"`
	Rights      *xmlText     `xml:"rights"`
	Files       []xmlFile    `xml:"hasFormat>file"`
}

type xmlAgentRef struct {
	Agent *xmlAgent `xml:"agent"`
}

type xmlAgent struct {
	About     string `xml:"about,attr"`
	Name      string `xml:"name"`
	BirthDate string `xml:"birthdate"`
	DeathDate string `xml:"deathdate"`
}

// xmlValued covers the rdf:Description/rdf:value nesting used by language
// and bookshelf nodes.
type xmlValued struct {
	Value string `xml:"Description>value"`
}

type xmlSubject struct {
	Description struct {
		Value    string `xml:"value"`
		MemberOf struct {
			Resource string `xml:"resource,attr"`
		} `xml:"memberOf"`
	} `xml:"Description"`
}

type xmlText struct {
	Text string `xml:",chardata"`
}

type xmlFile struct {
	About   string      `xml:"about,attr"`
	Formats []xmlValued `xml:"format"`
}

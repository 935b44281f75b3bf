package parser

import (
	"regexp"
	"strings"
)

// QueryType represents the type of SQL query
type QueryType int

const (
	QueryUnknown QueryType = iota
	QuerySelect
	QueryInsert
	QueryUpdate
	QueryDelete
)

func (t QueryType) String() string {
	switch t {
	case QuerySelect:
		return "select"
	case QueryInsert:
		return "insert"
	case QueryUpdate:
		return "update"
	case QueryDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Paging is the paging strategy requested by a query hint
type Paging int

const (
	PagingDefault Paging = iota
	PagingStandard
	PagingContinuous
)

// ParsedQuery contains extracted information from a SQL query
type ParsedQuery struct {
	Type     QueryType
	Keyspace string // Keyspace (database) from FQN
	Search   bool   // Query uses a server-side search predicate
	Paging   Paging // Paging strategy from hint
	Query    string // Query without hint comment
}

var (
	// Match /* paging:standard */ or /*paging:continuous*/
	hintRegex = regexp.MustCompile(`/\*\s*paging:(\w+)\s*\*/`)
	// Match query type (allows comments before keyword)
	queryTypeRegex = regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE)\b`)
	// Match Fully Qualified Names (FQN) like db.table or `db`.`table`
	fqnRegex = regexp.MustCompile("(?i)\\b(?:FROM|JOIN|INTO|UPDATE)\\s+(['\"`]?)([a-zA-Z0-9_$]+)['\"`]?\\s*\\.\\s*(['\"`]?)([a-zA-Z0-9_$]+)['\"`]?")
	// Match search predicates: solr_query, MATCH ... AGAINST, tsquery @@
	searchRegex = regexp.MustCompile(`(?i)\bsolr_query\b|\bMATCH\s*\([^)]*\)\s*AGAINST\b|@@`)
	// Match string literals
	stringLiteralRegex = regexp.MustCompile(`'[^']*'|"[^"]*"`)
)

// Parse extracts metadata from a SQL query
func Parse(query string) *ParsedQuery {
	p := &ParsedQuery{
		Query: query,
		Type:  QueryUnknown,
	}

	// Determine query type
	if matches := queryTypeRegex.FindStringSubmatch(query); matches != nil {
		switch strings.ToUpper(matches[1]) {
		case "SELECT":
			p.Type = QuerySelect
		case "INSERT":
			p.Type = QueryInsert
		case "UPDATE":
			p.Type = QueryUpdate
		case "DELETE":
			p.Type = QueryDelete
		}
	}

	// Extract keyspace from FQN
	if matches := fqnRegex.FindStringSubmatch(query); matches != nil {
		p.Keyspace = matches[2]
	}

	// Literals may contain anything, including "@@"
	p.Search = searchRegex.MatchString(stringLiteralRegex.ReplaceAllString(query, "''"))

	// Extract hint from comment
	if matches := hintRegex.FindStringSubmatch(query); matches != nil {
		switch strings.ToLower(matches[1]) {
		case "standard":
			p.Paging = PagingStandard
		case "continuous":
			p.Paging = PagingContinuous
		}
		// Remove the hint comment from the query
		p.Query = strings.TrimSpace(hintRegex.ReplaceAllString(query, ""))
	}

	return p
}

// IsWritable returns true if query is a write operation (INSERT, UPDATE, DELETE)
func (p *ParsedQuery) IsWritable() bool {
	return p.Type == QueryInsert ||
		p.Type == QueryUpdate ||
		p.Type == QueryDelete
}

// SupportsContinuousPaging returns false for queries the server cannot
// stream: search queries and queries hinted to standard paging.
func (p *ParsedQuery) SupportsContinuousPaging() bool {
	return p.Type == QuerySelect && !p.Search && p.Paging != PagingStandard
}

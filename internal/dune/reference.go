package dune

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

type ReferenceKind int

const (
	ReferenceQuery ReferenceKind = iota
	ReferenceSQL
	ReferenceExecution
)

// Reference identifies what to retrieve: a saved query, ad-hoc SQL, or an
// execution that already exists.
type Reference struct {
	kind        ReferenceKind
	queryID     int64
	sql         string
	executionID string
}

var executionIDPattern = regexp.MustCompile(`^01[0-9A-HJKMNP-TV-Z]{24}$`)

func QueryRef(id int64) Reference { return Reference{kind: ReferenceQuery, queryID: id} }

func SQLRef(sql string) Reference { return Reference{kind: ReferenceSQL, sql: sql} }

func ExecutionRef(executionID string) Reference {
	return Reference{kind: ReferenceExecution, executionID: executionID}
}

// ParseReference accepts a numeric id, a dune.com query URL, an API query URL,
// an execution id, or raw SQL text.
func ParseReference(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("query reference is required")
	}
	if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		if id <= 0 {
			return Reference{}, fmt.Errorf("invalid query id: %d", id)
		}
		return QueryRef(id), nil
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		id, err := queryIDFromURL(trimmed)
		if err != nil {
			return Reference{}, err
		}
		return QueryRef(id), nil
	}
	if executionIDPattern.MatchString(trimmed) {
		return ExecutionRef(trimmed), nil
	}
	if strings.ContainsAny(trimmed, " \t\n") {
		return SQLRef(trimmed), nil
	}
	return Reference{}, fmt.Errorf("invalid query id: %q", trimmed)
}

func queryIDFromURL(raw string) (int64, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("parse query url: %w", err)
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	var candidate string
	switch {
	case len(segments) >= 2 && segments[0] == "queries":
		candidate = segments[1]
	case len(segments) >= 4 && segments[0] == "api" && segments[2] == "query":
		candidate = segments[3]
	default:
		return 0, fmt.Errorf("unrecognised query url: %q", raw)
	}
	id, err := strconv.ParseInt(candidate, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid query id in url %q", raw)
	}
	return id, nil
}

func (r Reference) Kind() ReferenceKind { return r.kind }

func (r Reference) QueryID() int64 { return r.queryID }

func (r Reference) SQL() string { return r.sql }

func (r Reference) ExecutionID() string { return r.executionID }

func (r Reference) IsZero() bool {
	return r.queryID == 0 && r.sql == "" && r.executionID == ""
}

// Identity is the canonical, network-free identity of the reference.
func (r Reference) Identity() string {
	switch r.kind {
	case ReferenceSQL:
		return "sql:" + r.sql
	case ReferenceExecution:
		return "execution:" + r.executionID
	default:
		return "query:" + strconv.FormatInt(r.queryID, 10)
	}
}

func (r Reference) String() string {
	switch r.kind {
	case ReferenceSQL:
		return "raw sql"
	case ReferenceExecution:
		return "execution " + r.executionID
	default:
		return "query " + strconv.FormatInt(r.queryID, 10)
	}
}

package airtable

import "encoding/json"

// Base is an Airtable base as returned by the meta API.
type Base struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PermissionLevel string `json:"permissionLevel"`
}

// Field is a column definition in a table schema.
type Field struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Options     json.RawMessage `json:"options,omitempty"`
}

// View is a saved view in a table schema. Only the identifying fields
// are modeled; the rest of the document is carried opaquely.
type View struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Table is a table definition in a base schema.
type Table struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	PrimaryFieldID string  `json:"primaryFieldId"`
	Fields         []Field `json:"fields"`
	Views          []View  `json:"views,omitempty"`
}

// Record is a single Airtable record.
type Record struct {
	ID          string         `json:"id"`
	Fields      map[string]any `json:"fields"`
	CreatedTime string         `json:"createdTime,omitempty"`
}

// SortField orders list results by one field.
type SortField struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"` // "asc" or "desc"
}

// ListRecordsOptions narrows and orders a record listing. The zero
// value lists everything in the default view order.
type ListRecordsOptions struct {
	// MaxRecords caps the total number of records returned across all
	// pages. Zero means no cap.
	MaxRecords int
	// FilterByFormula is an Airtable formula; only records for which it
	// evaluates truthy are returned.
	FilterByFormula string
	// View restricts results to the records visible in a named view.
	View string
	// Sort orders the results.
	Sort []SortField
	// Fields restricts which fields appear in each record.
	Fields []string
	// CellFormat is "json" (default) or "string".
	CellFormat string
	// TimeZone and UserLocale affect "string" cell formatting.
	TimeZone   string
	UserLocale string
}

type listBasesResponse struct {
	Bases  []Base `json:"bases"`
	Offset string `json:"offset,omitempty"`
}

type baseSchemaResponse struct {
	Tables []Table `json:"tables"`
}

type listRecordsResponse struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

// RecordUpdate addresses one record in a batch create or update. ID is
// empty on create and required on update.
type RecordUpdate struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

type writeRecordsRequest struct {
	Records  []RecordUpdate `json:"records"`
	Typecast bool           `json:"typecast,omitempty"`
}

type writeRecordsResponse struct {
	Records []Record `json:"records"`
}

type deleteRecordsResponse struct {
	Records []struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	} `json:"records"`
}

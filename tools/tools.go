// Package tools exposes Airtable operations as named tools with JSON
// arguments, the dispatch surface an MCP runtime calls into. Each tool
// validates its arguments before touching the API.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/onimsha/airtable-mcp-server-oauth/airtable"
)

// ErrUnknownTool is returned by Dispatch for a name no tool carries.
var ErrUnknownTool = errors.New("unknown tool")

// ArgumentError indicates the tool arguments failed to decode or
// validate. The request never reached the Airtable API.
type ArgumentError struct {
	Tool    string
	Message string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("tool %s: invalid arguments: %s", e.Tool, e.Message)
}

// Handler executes one tool against decoded arguments.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a named operation with a human-readable description.
type Tool struct {
	Name        string
	Description string
	Handler     Handler
}

// Registry holds the tool set bound to one Airtable client.
type Registry struct {
	client *airtable.Client
	tools  map[string]Tool
}

// New builds the registry with the full tool set.
func New(client *airtable.Client) *Registry {
	r := &Registry{client: client, tools: make(map[string]Tool)}
	r.register("list_bases", "List all accessible Airtable bases", r.listBases)
	r.register("list_tables", "List tables in a specific base", r.listTables)
	r.register("describe_table", "Get detailed information about a specific table", r.describeTable)
	r.register("list_records", "List records from a table with optional filtering", r.listRecords)
	r.register("get_record", "Get a specific record by ID", r.getRecord)
	r.register("create_record", "Create a single record", r.createRecord)
	r.register("create_records", "Create multiple records", r.createRecords)
	r.register("update_records", "Update multiple records", r.updateRecords)
	r.register("delete_records", "Delete multiple records", r.deleteRecords)
	r.register("search_records", "Search records using a formula filter", r.searchRecords)
	return r
}

func (r *Registry) register(name, description string, h Handler) {
	r.tools[name] = Tool{Name: name, Description: description, Handler: h}
}

// Tools returns the registered tools sorted by name.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs the named tool. Unknown names return ErrUnknownTool;
// malformed arguments return *ArgumentError.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return tool.Handler(ctx, args)
}

// decodeArgs strictly decodes JSON arguments into dst. An empty or
// null payload leaves dst at its zero value.
func decodeArgs(tool string, args json.RawMessage, dst any) error {
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ArgumentError{Tool: tool, Message: err.Error()}
	}
	return nil
}

// ============================================================
// Base and schema tools
// ============================================================

func (r *Registry) listBases(ctx context.Context, args json.RawMessage) (any, error) {
	var a struct{}
	if err := decodeArgs("list_bases", args, &a); err != nil {
		return nil, err
	}
	return r.client.ListBases(ctx)
}

type listTablesArgs struct {
	BaseID      string `json:"base_id"`
	DetailLevel string `json:"detail_level,omitempty"`
}

// tableSummary is the reduced shape list_tables returns at the default
// detail level.
type tableSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (r *Registry) listTables(ctx context.Context, args json.RawMessage) (any, error) {
	var a listTablesArgs
	if err := decodeArgs("list_tables", args, &a); err != nil {
		return nil, err
	}
	if a.BaseID == "" {
		return nil, &ArgumentError{Tool: "list_tables", Message: "base_id is required"}
	}
	switch a.DetailLevel {
	case "", "tableIdentifiersOnly", "withFieldInfo":
	default:
		return nil, &ArgumentError{Tool: "list_tables", Message: "unknown detail_level: " + a.DetailLevel}
	}

	tables, err := r.client.BaseSchema(ctx, a.BaseID)
	if err != nil {
		return nil, err
	}
	if a.DetailLevel == "withFieldInfo" {
		return tables, nil
	}
	summaries := make([]tableSummary, len(tables))
	for i, t := range tables {
		summaries[i] = tableSummary{ID: t.ID, Name: t.Name}
	}
	return summaries, nil
}

type describeTableArgs struct {
	BaseID  string `json:"base_id"`
	TableID string `json:"table_id"`
}

func (r *Registry) describeTable(ctx context.Context, args json.RawMessage) (any, error) {
	var a describeTableArgs
	if err := decodeArgs("describe_table", args, &a); err != nil {
		return nil, err
	}
	if a.BaseID == "" || a.TableID == "" {
		return nil, &ArgumentError{Tool: "describe_table", Message: "base_id and table_id are required"}
	}

	tables, err := r.client.BaseSchema(ctx, a.BaseID)
	if err != nil {
		return nil, err
	}
	// table_id may be an ID or a display name.
	for _, t := range tables {
		if t.ID == a.TableID || t.Name == a.TableID {
			return t, nil
		}
	}
	return nil, &airtable.NotFoundError{Resource: fmt.Sprintf("table %q in base %q", a.TableID, a.BaseID)}
}

// ============================================================
// Record tools
// ============================================================

type listRecordsArgs struct {
	BaseID          string               `json:"base_id"`
	TableID         string               `json:"table_id"`
	View            string               `json:"view,omitempty"`
	MaxRecords      int                  `json:"max_records,omitempty"`
	FilterByFormula string               `json:"filter_by_formula,omitempty"`
	Sort            []airtable.SortField `json:"sort,omitempty"`
	Fields          []string             `json:"fields,omitempty"`
}

func (a *listRecordsArgs) options() *airtable.ListRecordsOptions {
	return &airtable.ListRecordsOptions{
		MaxRecords:      a.MaxRecords,
		FilterByFormula: a.FilterByFormula,
		View:            a.View,
		Sort:            a.Sort,
		Fields:          a.Fields,
	}
}

func (r *Registry) listRecords(ctx context.Context, args json.RawMessage) (any, error) {
	var a listRecordsArgs
	if err := decodeArgs("list_records", args, &a); err != nil {
		return nil, err
	}
	if a.BaseID == "" || a.TableID == "" {
		return nil, &ArgumentError{Tool: "list_records", Message: "base_id and table_id are required"}
	}
	return r.client.ListRecords(ctx, a.BaseID, a.TableID, a.options())
}

type getRecordArgs struct {
	BaseID   string `json:"base_id"`
	TableID  string `json:"table_id"`
	RecordID string `json:"record_id"`
}

func (r *Registry) getRecord(ctx context.Context, args json.RawMessage) (any, error) {
	var a getRecordArgs
	if err := decodeArgs("get_record", args, &a); err != nil {
		return nil, err
	}
	if a.BaseID == "" || a.TableID == "" || a.RecordID == "" {
		return nil, &ArgumentError{Tool: "get_record", Message: "base_id, table_id, and record_id are required"}
	}
	return r.client.GetRecord(ctx, a.BaseID, a.TableID, a.RecordID)
}

type createRecordArgs struct {
	BaseID   string         `json:"base_id"`
	TableID  string         `json:"table_id"`
	Fields   map[string]any `json:"fields"`
	Typecast bool           `json:"typecast,omitempty"`
}

func (r *Registry) createRecord(ctx context.Context, args json.RawMessage) (any, error) {
	var a createRecordArgs
	if err := decodeArgs("create_record", args, &a); err != nil {
		return nil, err
	}
	if a.BaseID == "" || a.TableID == "" || len(a.Fields) == 0 {
		return nil, &ArgumentError{Tool: "create_record", Message: "base_id, table_id, and fields are required"}
	}
	created, err := r.client.CreateRecords(ctx, a.BaseID, a.TableID, []map[string]any{a.Fields}, a.Typecast)
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

type createRecordsArgs struct {
	BaseID   string           `json:"base_id"`
	TableID  string           `json:"table_id"`
	Records  []map[string]any `json:"records"`
	Typecast bool             `json:"typecast,omitempty"`
}

func (r *Registry) createRecords(ctx context.Context, args json.RawMessage) (any, error) {
	var a createRecordsArgs
	if err := decodeArgs("create_records", args, &a); err != nil {
		return nil, err
	}
	if a.BaseID == "" || a.TableID == "" || len(a.Records) == 0 {
		return nil, &ArgumentError{Tool: "create_records", Message: "base_id, table_id, and records are required"}
	}
	return r.client.CreateRecords(ctx, a.BaseID, a.TableID, a.Records, a.Typecast)
}

type updateRecordsArgs struct {
	BaseID   string                  `json:"base_id"`
	TableID  string                  `json:"table_id"`
	Records  []airtable.RecordUpdate `json:"records"`
	Typecast bool                    `json:"typecast,omitempty"`
}

func (r *Registry) updateRecords(ctx context.Context, args json.RawMessage) (any, error) {
	var a updateRecordsArgs
	if err := decodeArgs("update_records", args, &a); err != nil {
		return nil, err
	}
	if a.BaseID == "" || a.TableID == "" || len(a.Records) == 0 {
		return nil, &ArgumentError{Tool: "update_records", Message: "base_id, table_id, and records are required"}
	}
	for _, u := range a.Records {
		if u.ID == "" {
			return nil, &ArgumentError{Tool: "update_records", Message: "every record update needs an id"}
		}
	}
	return r.client.UpdateRecords(ctx, a.BaseID, a.TableID, a.Records, a.Typecast)
}

type deleteRecordsArgs struct {
	BaseID    string   `json:"base_id"`
	TableID   string   `json:"table_id"`
	RecordIDs []string `json:"record_ids"`
}

func (r *Registry) deleteRecords(ctx context.Context, args json.RawMessage) (any, error) {
	var a deleteRecordsArgs
	if err := decodeArgs("delete_records", args, &a); err != nil {
		return nil, err
	}
	if a.BaseID == "" || a.TableID == "" || len(a.RecordIDs) == 0 {
		return nil, &ArgumentError{Tool: "delete_records", Message: "base_id, table_id, and record_ids are required"}
	}
	return r.client.DeleteRecords(ctx, a.BaseID, a.TableID, a.RecordIDs)
}

type searchRecordsArgs struct {
	BaseID          string               `json:"base_id"`
	TableID         string               `json:"table_id"`
	FilterByFormula string               `json:"filter_by_formula"`
	View            string               `json:"view,omitempty"`
	MaxRecords      int                  `json:"max_records,omitempty"`
	Sort            []airtable.SortField `json:"sort,omitempty"`
	Fields          []string             `json:"fields,omitempty"`
}

func (r *Registry) searchRecords(ctx context.Context, args json.RawMessage) (any, error) {
	var a searchRecordsArgs
	if err := decodeArgs("search_records", args, &a); err != nil {
		return nil, err
	}
	if a.BaseID == "" || a.TableID == "" || a.FilterByFormula == "" {
		return nil, &ArgumentError{Tool: "search_records", Message: "base_id, table_id, and filter_by_formula are required"}
	}
	opts := &airtable.ListRecordsOptions{
		MaxRecords: a.MaxRecords,
		View:       a.View,
		Sort:       a.Sort,
		Fields:     a.Fields,
	}
	return r.client.SearchRecords(ctx, a.BaseID, a.TableID, a.FilterByFormula, opts)
}

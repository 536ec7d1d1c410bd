package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onimsha/airtable-mcp-server-oauth/airtable"
)

func newTestRegistry(t *testing.T, handler http.Handler) *Registry {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	client, err := airtable.New(airtable.Config{
		Tokens:  airtable.TokenFunc(func(context.Context) (string, error) { return "tok", nil }),
		BaseURL: ts.URL,
	})
	if err != nil {
		t.Fatalf("airtable.New failed: %v", err)
	}
	return New(client)
}

func schemaHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/meta/bases/app1/tables" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tables": []map[string]any{
				{
					"id": "tbl1", "name": "Tasks", "primaryFieldId": "fld1",
					"fields": []map[string]any{{"id": "fld1", "name": "Name", "type": "singleLineText"}},
				},
				{
					"id": "tbl2", "name": "People", "primaryFieldId": "fld9",
					"fields": []map[string]any{{"id": "fld9", "name": "Email", "type": "email"}},
				},
			},
		})
	})
}

func TestDispatchUnknownTool(t *testing.T) {
	r := newTestRegistry(t, http.NotFoundHandler())
	_, err := r.Dispatch(context.Background(), "drop_table", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("error = %v, want ErrUnknownTool", err)
	}
}

func TestToolsSortedAndComplete(t *testing.T) {
	r := newTestRegistry(t, http.NotFoundHandler())
	want := []string{
		"create_record", "create_records", "delete_records", "describe_table",
		"get_record", "list_bases", "list_records", "list_tables",
		"search_records", "update_records",
	}
	tools := r.Tools()
	if len(tools) != len(want) {
		t.Fatalf("len(tools) = %d, want %d", len(tools), len(want))
	}
	for i, tool := range tools {
		if tool.Name != want[i] {
			t.Errorf("tools[%d] = %q, want %q", i, tool.Name, want[i])
		}
		if tool.Description == "" {
			t.Errorf("tool %q has no description", tool.Name)
		}
	}
}

func TestArgumentValidation(t *testing.T) {
	var requests int
	r := newTestRegistry(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		requests++
	}))

	tests := []struct {
		tool string
		args string
	}{
		{"list_tables", `{}`},
		{"list_tables", `{"base_id":"app1","detail_level":"everything"}`},
		{"list_tables", `{"base_id":"app1","unknown_field":1}`},
		{"list_tables", `{"base_id":`},
		{"describe_table", `{"base_id":"app1"}`},
		{"list_records", `{"table_id":"Tasks"}`},
		{"get_record", `{"base_id":"app1","table_id":"Tasks"}`},
		{"create_record", `{"base_id":"app1","table_id":"Tasks"}`},
		{"create_records", `{"base_id":"app1","table_id":"Tasks","records":[]}`},
		{"update_records", `{"base_id":"app1","table_id":"Tasks","records":[{"fields":{"Name":"x"}}]}`},
		{"delete_records", `{"base_id":"app1","table_id":"Tasks"}`},
		{"search_records", `{"base_id":"app1","table_id":"Tasks"}`},
	}
	for _, tt := range tests {
		t.Run(tt.tool+" "+tt.args, func(t *testing.T) {
			_, err := r.Dispatch(context.Background(), tt.tool, json.RawMessage(tt.args))
			var ae *ArgumentError
			if !errors.As(err, &ae) {
				t.Fatalf("error = %v, want *ArgumentError", err)
			}
		})
	}
	if requests != 0 {
		t.Errorf("requests = %d, validation must reject before any API call", requests)
	}
}

func TestListTablesDetailLevels(t *testing.T) {
	r := newTestRegistry(t, schemaHandler(t))
	ctx := context.Background()

	out, err := r.Dispatch(ctx, "list_tables", json.RawMessage(`{"base_id":"app1"}`))
	if err != nil {
		t.Fatalf("list_tables failed: %v", err)
	}
	summaries, ok := out.([]tableSummary)
	if !ok {
		t.Fatalf("result type = %T", out)
	}
	if len(summaries) != 2 || summaries[0].ID != "tbl1" || summaries[0].Name != "Tasks" {
		t.Errorf("summaries = %+v", summaries)
	}

	out, err = r.Dispatch(ctx, "list_tables", json.RawMessage(`{"base_id":"app1","detail_level":"withFieldInfo"}`))
	if err != nil {
		t.Fatalf("list_tables withFieldInfo failed: %v", err)
	}
	tables, ok := out.([]airtable.Table)
	if !ok {
		t.Fatalf("result type = %T", out)
	}
	if len(tables) != 2 || len(tables[0].Fields) != 1 {
		t.Errorf("tables = %+v", tables)
	}
}

func TestDescribeTableByIDOrName(t *testing.T) {
	r := newTestRegistry(t, schemaHandler(t))
	ctx := context.Background()

	for _, ref := range []string{"tbl2", "People"} {
		out, err := r.Dispatch(ctx, "describe_table",
			json.RawMessage(`{"base_id":"app1","table_id":"`+ref+`"}`))
		if err != nil {
			t.Fatalf("describe_table(%q) failed: %v", ref, err)
		}
		table, ok := out.(airtable.Table)
		if !ok {
			t.Fatalf("result type = %T", out)
		}
		if table.ID != "tbl2" {
			t.Errorf("table = %+v", table)
		}
	}

	_, err := r.Dispatch(ctx, "describe_table",
		json.RawMessage(`{"base_id":"app1","table_id":"Nope"}`))
	var nf *airtable.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want *NotFoundError", err)
	}
}

func TestListRecordsPassesOptions(t *testing.T) {
	r := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		if got := q.Get("filterByFormula"); got != `{Done}=1` {
			t.Errorf("filterByFormula = %q", got)
		}
		if got := q.Get("maxRecords"); got != "5" {
			t.Errorf("maxRecords = %q", got)
		}
		if got := q.Get("sort[0][field]"); got != "Name" {
			t.Errorf("sort[0][field] = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{{"id": "rec1", "fields": map[string]any{"Name": "a"}}},
		})
	}))

	out, err := r.Dispatch(context.Background(), "list_records", json.RawMessage(
		`{"base_id":"app1","table_id":"Tasks","filter_by_formula":"{Done}=1","max_records":5,"sort":[{"field":"Name"}]}`))
	if err != nil {
		t.Fatalf("list_records failed: %v", err)
	}
	records, ok := out.([]airtable.Record)
	if !ok {
		t.Fatalf("result type = %T", out)
	}
	if len(records) != 1 || records[0].ID != "rec1" {
		t.Errorf("records = %+v", records)
	}
}

func TestCreateRecordUnwrapsSingle(t *testing.T) {
	r := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Records  []airtable.RecordUpdate `json:"records"`
			Typecast bool                    `json:"typecast"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("body does not decode: %v", err)
		}
		if len(body.Records) != 1 || !body.Typecast {
			t.Errorf("body = %+v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{{"id": "recNew", "fields": map[string]any{"Name": "solo"}}},
		})
	}))

	out, err := r.Dispatch(context.Background(), "create_record", json.RawMessage(
		`{"base_id":"app1","table_id":"Tasks","fields":{"Name":"solo"},"typecast":true}`))
	if err != nil {
		t.Fatalf("create_record failed: %v", err)
	}
	record, ok := out.(airtable.Record)
	if !ok {
		t.Fatalf("result type = %T", out)
	}
	if record.ID != "recNew" {
		t.Errorf("record = %+v", record)
	}
}

func TestDeleteRecordsReturnsIDs(t *testing.T) {
	r := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodDelete {
			t.Errorf("method = %q", req.Method)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{
				{"id": "rec1", "deleted": true},
				{"id": "rec2", "deleted": true},
			},
		})
	}))

	out, err := r.Dispatch(context.Background(), "delete_records", json.RawMessage(
		`{"base_id":"app1","table_id":"Tasks","record_ids":["rec1","rec2"]}`))
	if err != nil {
		t.Fatalf("delete_records failed: %v", err)
	}
	ids, ok := out.([]string)
	if !ok {
		t.Fatalf("result type = %T", out)
	}
	if len(ids) != 2 || ids[0] != "rec1" {
		t.Errorf("ids = %v", ids)
	}
}

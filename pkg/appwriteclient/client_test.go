package appwriteclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestListDocumentsEncodesQueriesAndHeaders(t *testing.T) {
	var gotQueries []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/databases/db/collections/banks/documents" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Appwrite-Project") != "proj" || r.Header.Get("X-Appwrite-Key") != "secret" {
			t.Fatalf("missing appwrite auth headers")
		}
		gotQueries = r.URL.Query()["queries[]"]
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"total":1,"documents":[{"$id":"doc-1","accountId":"acc-1"}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/v1/", "proj", "secret")
	list, err := client.ListDocuments(context.Background(), "db", "banks", Equal("accountId", "acc-1"), Limit(2))
	if err != nil {
		t.Fatalf("ListDocuments returned error: %v", err)
	}
	if list.Total != 1 || len(list.Documents) != 1 {
		t.Fatalf("unexpected list %+v", list)
	}
	if len(gotQueries) != 2 {
		t.Fatalf("expected 2 queries, got %v", gotQueries)
	}

	var first Query
	if err := json.Unmarshal([]byte(gotQueries[0]), &first); err != nil {
		t.Fatalf("query is not JSON: %v", err)
	}
	if first.Method != "equal" || first.Attribute != "accountId" || len(first.Values) != 1 || first.Values[0] != "acc-1" {
		t.Fatalf("unexpected equal query %+v", first)
	}
}

func TestCreateDocumentDefaultsToUniqueID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["documentId"] != UniqueID {
			t.Fatalf("expected unique() document id, got %v", body["documentId"])
		}
		data, _ := body["data"].(map[string]any)
		if data["name"] != "Transfer to bob@example.com" {
			t.Fatalf("unexpected data %v", data)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"$id":"generated"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "proj", "secret")
	var created struct {
		ID string `json:"$id"`
	}
	err := client.CreateDocument(context.Background(), "db", "tx", "", map[string]string{"name": "Transfer to bob@example.com"}, &created)
	if err != nil {
		t.Fatalf("CreateDocument returned error: %v", err)
	}
	if created.ID != "generated" {
		t.Fatalf("expected generated id, got %q", created.ID)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Document with the requested ID could not be found.","code":404,"type":"document_not_found"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "proj", "secret")
	var doc map[string]any
	err := client.GetDocument(context.Background(), "db", "users", "missing", &doc)
	if !IsNotFound(err) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if !strings.Contains(err.Error(), "document_not_found") {
		t.Fatalf("expected error type in message, got %v", err)
	}
}

func TestUpdateDocumentUsesPatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || !strings.HasSuffix(r.URL.Path, "/documents/bank-1") {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = io.WriteString(w, `{"$id":"bank-1"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "proj", "secret")
	if err := client.UpdateDocument(context.Background(), "db", "banks", "bank-1", map[string]string{"fundingSourceUrl": "x"}, nil); err != nil {
		t.Fatalf("UpdateDocument returned error: %v", err)
	}
}

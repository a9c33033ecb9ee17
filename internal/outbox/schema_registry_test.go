package outbox

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSubject = "activity_record_events-record.created"

// fakeRegistry knows one subject and answers with Confluent style error bodies.
type fakeRegistry struct {
	mu            sync.Mutex
	schemas       map[string]int
	nextID        int
	compatibility map[string]string
	conflict      bool
	calls         []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{schemas: map[string]int{}, nextID: 20, compatibility: map[string]string{}}
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.EscapedPath())

	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)
	w.Header().Set("Content-Type", schemaRegistryContentType)

	switch {
	case r.Method == http.MethodPut:
		f.compatibility[r.URL.Path] = body["compatibility"]
		_ = json.NewEncoder(w).Encode(body)
	case r.Method == http.MethodPost && r.URL.Path == "/subjects/"+testSubject:
		id, ok := f.schemas[body["schema"]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":40403,"message":"Schema not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]int{"id": id})
	case r.Method == http.MethodPost && r.URL.Path == "/subjects/"+testSubject+"/versions":
		if f.conflict {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error_code":409,"message":"Schema being registered is incompatible"}`))
			return
		}
		if body["schemaType"] != "JSON" {
			http.Error(w, "schemaType must be JSON", http.StatusUnprocessableEntity)
			return
		}
		f.nextID++
		f.schemas[body["schema"]] = f.nextID
		_ = json.NewEncoder(w).Encode(map[string]int{"id": f.nextID})
	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusInternalServerError)
	}
}

func TestEnsureSchemaRegistersOnceThenLooksUp(t *testing.T) {
	fake := newFakeRegistry()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client := NewSchemaRegistryClient(srv.URL+"/", WithCompatibility("backward"))

	id, err := client.EnsureSchema(t.Context(), testSubject, recordCreatedSchema)
	require.NoError(t, err)
	require.Equal(t, 21, id)
	require.Equal(t, "BACKWARD", fake.compatibility["/config/"+testSubject])

	again, err := client.EnsureSchema(t.Context(), testSubject, recordCreatedSchema)
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Equal(t, []string{
		"POST /subjects/" + testSubject,
		"PUT /config/" + testSubject,
		"POST /subjects/" + testSubject + "/versions",
		"POST /subjects/" + testSubject,
	}, fake.calls)
}

func TestEnsureSchemaSkipsCompatibilityByDefault(t *testing.T) {
	fake := newFakeRegistry()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(t.Context(), testSubject, recordMergedSchema)
	require.NoError(t, err)
	require.Empty(t, fake.compatibility)
}

func TestEnsureSchemaReturnsTypedErrors(t *testing.T) {
	fake := newFakeRegistry()
	fake.conflict = true
	srv := httptest.NewServer(fake)
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(t.Context(), testSubject, recordOverriddenSchema)
	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, "register", regErr.Op)
	require.Equal(t, http.StatusConflict, regErr.StatusCode)
	require.Equal(t, 409, regErr.Code)
	require.False(t, regErr.NotFound())
	require.ErrorContains(t, err, "incompatible")
}

func TestEnsureSchemaDoesNotRegisterOnServerError(t *testing.T) {
	var posts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(t.Context(), "subject", recordCreatedSchema)
	var regErr *RegistryError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, "lookup", regErr.Op)
	require.Equal(t, "backend unavailable", regErr.Message)
	require.Equal(t, 1, posts)
}

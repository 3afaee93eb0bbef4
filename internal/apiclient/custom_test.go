package apiclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"flagwatch/internal/model"
	"flagwatch/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCustom(t *testing.T) *CustomClient {
	t.Helper()
	return NewCustomClient(schema.NewValidator(), 1, time.Millisecond, nil)
}

func customAPI(srv *httptest.Server) model.CustomAPIConfig {
	return model.CustomAPIConfig{
		ID:           "api-1",
		Name:         "Alpha",
		SingleURL:    srv.URL + "/status/{userId}",
		BatchURL:     srv.URL + "/status/batch",
		Enabled:      true,
		ReasonFormat: model.ReasonFormatNumeric,
	}
}

func TestCustomLookupUser(t *testing.T) {
	t.Run("substitutes placeholder and unwraps", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/status/123", r.URL.Path)
			w.Write([]byte(`{"success":true,"data":{"id":123,"flagType":2,"confidence":0.8}}`))
		}))
		defer srv.Close()

		status, err := newCustom(t).LookupUser(context.Background(), customAPI(srv), "123")
		require.NoError(t, err)
		assert.Equal(t, model.EntityID("123"), status.ID)
		assert.Equal(t, model.FlagTypeUnsafe, status.FlagType)
	})

	t.Run("rejects unwrapped response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":123,"flagType":2}`))
		}))
		defer srv.Close()

		_, err := newCustom(t).LookupUser(context.Background(), customAPI(srv), "123")
		require.ErrorIs(t, err, schema.ErrInvalidFormat)
	})

	t.Run("surfaces source-reported failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false,"error":"user not tracked"}`))
		}))
		defer srv.Close()

		_, err := newCustom(t).LookupUser(context.Background(), customAPI(srv), "123")
		require.EqualError(t, err, "user not tracked")
	})

	t.Run("rejects payload failing schema validation", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":true,"data":{"id":"not-a-number","flagType":2}}`))
		}))
		defer srv.Close()

		_, err := newCustom(t).LookupUser(context.Background(), customAPI(srv), "123")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid status payload")
	})

	t.Run("normalizes safe status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":true,"data":{"id":9,"flagType":0,"reasons":{"1":{"message":"x"}}}}`))
		}))
		defer srv.Close()

		status, err := newCustom(t).LookupUser(context.Background(), customAPI(srv), "9")
		require.NoError(t, err)
		assert.Empty(t, status.Reasons)
	})
}

func TestCustomLookupUsers(t *testing.T) {
	t.Run("separates valid and invalid entries", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/status/batch", r.URL.Path)
			w.Write([]byte(`{"success":true,"data":{
				"1": {"id":1,"flagType":2},
				"2": {"flagType":"oops"}
			}}`))
		}))
		defer srv.Close()

		result, err := newCustom(t).LookupUsers(context.Background(), customAPI(srv), []model.EntityID{"1", "2"})
		require.NoError(t, err)

		require.Len(t, result.Statuses, 1)
		assert.Equal(t, model.FlagTypeUnsafe, result.Statuses["1"].FlagType)

		require.Len(t, result.Invalid, 1)
		assert.Contains(t, result.Invalid["2"], "invalid entry 2")
	})

	t.Run("rejects non-object batch data", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":true,"data":[{"id":1}]}`))
		}))
		defer srv.Close()

		_, err := newCustom(t).LookupUsers(context.Background(), customAPI(srv), []model.EntityID{"1"})
		require.ErrorIs(t, err, schema.ErrInvalidFormat)
	})

	t.Run("decodes numeric entry IDs to canonical string form", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":true,"data":{"7":{"id":7,"flagType":1}}}`))
		}))
		defer srv.Close()

		result, err := newCustom(t).LookupUsers(context.Background(), customAPI(srv), []model.EntityID{"7"})
		require.NoError(t, err)
		require.NotNil(t, result.Statuses["7"])
		assert.Equal(t, model.EntityID("7"), result.Statuses["7"].ID)
	})
}

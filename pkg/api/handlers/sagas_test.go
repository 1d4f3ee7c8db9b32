package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/ordersaga/ordersaga/pkg/api/models"
	"github.com/ordersaga/ordersaga/pkg/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSagas(t *testing.T, store saga.Store) []*saga.Instance {
	t.Helper()
	ctx := context.Background()
	payload := saga.Payload{UserID: 1, Items: []saga.Item{{ProductVariantID: 1, Quantity: 1}}}

	var out []*saga.Instance
	for _, orderNo := range []string{"ord-a", "ord-b", "ord-c"} {
		instance, err := saga.New(orderNo, payload, saga.StepInventory)
		require.NoError(t, err)
		require.NoError(t, store.Create(ctx, instance))
		out = append(out, instance)
	}
	finished, err := store.Mutate(ctx, out[2].ID, func(i *saga.Instance) error {
		if err := i.ProceedTo(saga.StepPayment); err != nil {
			return err
		}
		return i.Finish()
	})
	require.NoError(t, err)
	out[2] = finished
	return out
}

func newSagaRouter(t *testing.T) (chi.Router, []*saga.Instance) {
	t.Helper()
	store := saga.NewMemoryStore()
	instances := seedSagas(t, store)
	h := NewSagaHandler(store)

	r := chi.NewRouter()
	r.Get("/api/v1/sagas", h.ListSagas)
	r.Get("/api/v1/sagas/{id}", h.GetSaga)
	return r, instances
}

func TestSagaHandler_GetSaga(t *testing.T) {
	r, instances := newSagaRouter(t)

	w := doJSON(r, http.MethodGet, "/api/v1/sagas/"+instances[2].ID, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.SagaStatusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ord-c", resp.OrderNo)
	assert.Equal(t, saga.StatusFinished.String(), resp.Status)
	assert.NotNil(t, resp.FinishedAt)

	w = doJSON(r, http.MethodGet, "/api/v1/sagas/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSagaHandler_ListSagas(t *testing.T) {
	r, _ := newSagaRouter(t)

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantItems int
		wantTotal int
	}{
		{"all", "", http.StatusOK, 3, 3},
		{"started", "?status=started", http.StatusOK, 2, 2},
		{"finished", "?status=FINISHED", http.StatusOK, 1, 1},
		{"paged", "?limit=1&offset=1", http.StatusOK, 1, 3},
		{"unknown status", "?status=RUNNING", http.StatusBadRequest, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodGet, "/api/v1/sagas"+tt.query, "")
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode != http.StatusOK {
				return
			}
			var resp models.SagaListResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Len(t, resp.Items, tt.wantItems)
			assert.Equal(t, tt.wantTotal, resp.Total)
		})
	}
}

package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scenarioResponse struct {
	Status   string  `json:"status"`
	Scenario string  `json:"scenario"`
	View     ViewDTO `json:"view"`
}

func TestScenarios_List(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decodeBody[[]ScenarioDTO](t, rec)
	require.Len(t, list, len(scenarios))
	assert.Equal(t, "daily-desk", list[0].ID)
}

func TestScenarios_LoadDailyDesk(t *testing.T) {
	// GIVEN: A chat with unrelated entries
	// WHEN: Loading the daily-desk scenario twice
	// THEN: The chat holds only the scenario's entries each time

	ts := newTestServer(t)
	ts.command(t, "+99999", 1)

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, chatPath+"/scenario", map[string]string{"scenario_id": "daily-desk"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decodeBody[scenarioResponse](t, rec)
		assert.Equal(t, "loaded", resp.Status)
		assert.Equal(t, "1500.00", resp.View.Summary.TotalIncome)
		assert.Equal(t, "1425.00", resp.View.Summary.ShouldDispatch)
		assert.Equal(t, "1020.00", resp.View.Summary.Dispatched)
		assert.Equal(t, "405.00", resp.View.Summary.NotDispatched)
	}
}

func TestScenarios_EveryScenarioLoads(t *testing.T) {
	ts := newTestServer(t)

	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, chatPath+"/scenario", map[string]string{"scenario_id": s.ID})
			assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		})
	}
}

func TestScenarios_Unknown(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, chatPath+"/scenario", map[string]string{"scenario_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

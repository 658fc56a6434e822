package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsAsThroughWrap(t *testing.T) {
	base := &IncrementalRejected{EarliestChangedDay: "2023-01-02"}
	wrapped := fmt.Errorf("bars build: %w", base)

	var ir *IncrementalRejected
	require.True(t, errors.As(wrapped, &ir))
	assert.Equal(t, "2023-01-02", ir.EarliestChangedDay)
}

func TestMissingFeaturesMessage(t *testing.T) {
	err := &MissingFeatures{Missing: []FeatureRef{
		{Name: "atr_14", TimeframeMin: 15},
		{Name: "vwap_session", TimeframeMin: 60},
	}}
	assert.Equal(t, "missing features: atr_14@15m, vwap_session@60m", err.Error())
}

func TestFrozenViolationText(t *testing.T) {
	assert.Equal(t, `season "2026Q1" is frozen`, (&FrozenViolation{Season: "2026Q1"}).Error())
	assert.Equal(t, `season "2026Q1" is frozen: batch_run rejected`,
		(&FrozenViolation{Season: "2026Q1", Action: "batch_run"}).Error())
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"contract", &ContractViolation{Field: "fingerprint", Reason: "empty"}, http.StatusBadRequest},
		{"build_not_allowed", &BuildNotAllowed{Reason: "no build context"}, http.StatusBadRequest},
		{"frozen", &FrozenViolation{Season: "2026Q1"}, http.StatusForbidden},
		{"policy", &PolicyDenied{Action: "rebuild_index", Reason: "frozen"}, http.StatusForbidden},
		{"not_found", &NotFound{Path: "outputs/x"}, http.StatusNotFound},
		{"duplicate", &Duplicate{ID: "plan_abc"}, http.StatusConflict},
		{"incremental", &IncrementalRejected{EarliestChangedDay: "2023-01-02"}, http.StatusConflict},
		{"mismatch", &ManifestMismatch{Field: "breaks_policy", Want: "drop", Got: "keep"}, http.StatusUnprocessableEntity},
		{"missing", &MissingFeatures{}, http.StatusUnprocessableEntity},
		{"tamper", &TamperDetected{Reason: "sha mismatch"}, http.StatusConflict},
		{"not_primed", ErrNotPrimed, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("outer: %w", &FrozenViolation{Season: "s"}), http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, HTTPStatus(tc.err))
		})
	}
}

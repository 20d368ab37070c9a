package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindInputRejected.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, KindThrottled.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, KindPaused.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindCapacityExhausted.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindRuntimeFailure.HTTPStatus())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := E(KindRuntimeFailure, "starting container", cause)

	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "boom")
}

func TestWithField(t *testing.T) {
	e := Throttled("rate limited", 2)
	assert.Equal(t, KindThrottled, e.Kind)
	assert.Equal(t, 2, e.Fields["remaining"])
}

func TestValidationAccumulator_EmptyReturnsNilErr(t *testing.T) {
	v := ValidationErrs()
	assert.True(t, v.Empty())
	assert.Nil(t, v.Err())
}

func TestValidationAccumulator_CollectsAll(t *testing.T) {
	v := ValidationErrs()
	v.Add("pool_size", "must be between 1 and 20")
	v.Add("listen_addr", "cannot be empty")

	err := v.Err()
	var ce *Error
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, KindInputRejected, ce.Kind)
	assert.Len(t, ce.Fields["errors"], 2)
}

package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneMatchesTemplate(t *testing.T) {
	err := Clone(ErrMutationInFlight, "approve already running")
	require.True(t, errors.Is(err, ErrMutationInFlight))
	require.False(t, errors.Is(err, ErrConflict))
	require.Equal(t, "approve already running", err.Error())
}

func TestFromErrorWrapsUnknown(t *testing.T) {
	appErr := FromError(fmt.Errorf("boom"))
	require.Equal(t, ErrInternal.Code, appErr.Code)
	require.EqualError(t, appErr.Unwrap(), "boom")

	wrapped := fmt.Errorf("outer: %w", WrapAs(ErrRemoteRejected, errors.New("locked"), ""))
	require.Equal(t, ErrRemoteRejected.Code, FromError(wrapped).Code)
	require.True(t, errors.Is(wrapped, ErrRemoteRejected))
}

// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package errcore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	require.Equal(t, "ConfigurationError", KindConfiguration.String())
	require.Equal(t, "StateError", KindState.String())
	require.Equal(t, "ProtocolError", KindProtocol.String())
	require.Equal(t, "UserHandlerFailure", KindUserHandler.String())
}

func TestConstructorsTagTheRightKind(t *testing.T) {
	require.True(t, Is(Configuration("bad config"), KindConfiguration))
	require.True(t, Is(State("wrong state"), KindState))
	require.True(t, Is(Protocol("peer misbehaved"), KindProtocol))
	require.True(t, Is(UserHandler("panicked"), KindUserHandler))

	require.False(t, Is(Configuration("bad config"), KindState))
}

func TestErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("underlying")
	err := State("wrapping %w", cause)
	require.ErrorIs(t, err, cause)
}

func TestIsReturnsFalseForPlainErrors(t *testing.T) {
	require.False(t, Is(errors.New("plain"), KindState))
}

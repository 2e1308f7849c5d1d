package lnutils

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func TestLogPubKey(t *testing.T) {
	t.Parallel()

	_, pub := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x01}, 32))

	str := fmt.Sprintf("%v", LogPubKey(pub))
	require.Len(t, str, 12)
	require.Equal(t, "<nil>", LogPubKey(nil).String())
}

func TestLogClosureLazy(t *testing.T) {
	t.Parallel()

	var calls int
	closure := NewLogClosure(func() string {
		calls++
		return "value"
	})
	require.Zero(t, calls)

	require.Equal(t, "value", closure.String())
	require.Equal(t, 1, calls)
}

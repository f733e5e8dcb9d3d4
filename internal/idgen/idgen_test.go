package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixTransaction)
	assert.True(t, strings.HasPrefix(id, "txn_"))
	assert.Len(t, id, len("txn_")+32)
	assert.NotEqual(t, id, WithPrefix(PrefixTransaction))
}

func TestOperationToken_Deterministic(t *testing.T) {
	a := OperationToken("txn_1", "release")
	assert.Equal(t, a, OperationToken("txn_1", "release"))
	assert.NotEqual(t, a, OperationToken("txn_1", "refund"))
	assert.NotEqual(t, a, OperationToken("txn_2", "release"))
}

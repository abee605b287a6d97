package kprod

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaultsAcksToLeaderWhenUnset(t *testing.T) {
	c := defaultCfg()
	require.NoError(t, c.validate())
	assert.Equal(t, AcksLeader, c.acks)
}

func TestValidateIdempotenceForcesAcksAll(t *testing.T) {
	c := defaultCfg()
	EnableIdempotence().apply(c)
	require.NoError(t, c.validate())
	assert.Equal(t, AcksAll, c.acks)
}

func TestValidateIdempotenceRejectsIncompatibleAcks(t *testing.T) {
	c := defaultCfg()
	EnableIdempotence().apply(c)
	RequireAcks(AcksLeader).apply(c)
	assert.Error(t, c.validate())
}

func TestValidateTransactionalRequiresIdempotence(t *testing.T) {
	c := defaultCfg()
	c.transactionalID = "tid-1" // bypassing TransactionalID's own auto-enable, to exercise the guard directly
	assert.Error(t, c.validate())
}

func TestTransactionalIDOptEnablesIdempotenceAndDefaultTimeout(t *testing.T) {
	c := defaultCfg()
	TransactionalID("tid-1").apply(c)
	require.NoError(t, c.validate())
	assert.True(t, c.enableIdempotence)
	assert.Equal(t, defaultTxnTimeoutMs, c.transactionTimeoutMs)
}

func TestValidateRejectsUnsupportedCompression(t *testing.T) {
	c := defaultCfg()
	c.compression = Compression(99)
	assert.Error(t, c.validate())
}

func TestLingerOptConvertsDuration(t *testing.T) {
	c := defaultCfg()
	Linger(250 * time.Millisecond).apply(c)
	assert.Equal(t, 250, c.lingerMs)
}

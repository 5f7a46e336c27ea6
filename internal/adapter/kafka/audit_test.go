package kafka

import (
	"testing"
	"time"

	"github.com/couchcryptid/wis2-ingest-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditMessage(t *testing.T) {
	received := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	valid := true
	res := domain.AcquisitionResult{
		Broker:     "globalbroker.meteo.fr",
		MessageID:  "msg-1",
		DataID:     "wis2/ch/data/core/synop/obs.bufr4",
		Received:   received,
		Status:     domain.StatusSuccess,
		Cache:      "example.org",
		FilePath:   "/data/switzerland/2024/03/01/obs.bufr4",
		Saved:      true,
		ValidHash:  &valid,
		HashMethod: "sha512",
		FileSize:   1024,
		Dataset:    "switzerland",
	}

	msg, err := auditMessage(res)
	require.NoError(t, err)

	assert.Equal(t, []byte(res.DataID), msg.Key)
	assert.Contains(t, string(msg.Value), `"status":"SUCCESS"`)
	assert.Contains(t, string(msg.Value), `"dataset":"switzerland"`)
	assert.Contains(t, string(msg.Value), `"valid_hash":true`)

	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "status", msg.Headers[0].Key)
	assert.Equal(t, []byte("SUCCESS"), msg.Headers[0].Value)
	assert.Equal(t, "broker", msg.Headers[1].Key)
	assert.Equal(t, []byte("globalbroker.meteo.fr"), msg.Headers[1].Value)
	assert.Equal(t, "received", msg.Headers[2].Key)
	assert.Equal(t, []byte(received.Format(time.RFC3339)), msg.Headers[2].Value)
}

func TestAuditMessage_FailureCarriesDiagnostics(t *testing.T) {
	invalid := false
	res := domain.AcquisitionResult{
		MessageID:    "msg-2",
		DataID:       "wis2/fr/data/core/synop/obs.bufr4",
		Status:       domain.StatusFail,
		ValidHash:    &invalid,
		HashMethod:   "sha256",
		ExpectedHash: "expected==",
		ComputedHash: "computed==",
	}

	msg, err := auditMessage(res)
	require.NoError(t, err)

	assert.Contains(t, string(msg.Value), `"status":"FAIL"`)
	assert.Contains(t, string(msg.Value), `"valid_hash":false`)
	assert.Contains(t, string(msg.Value), `"expected_hash":"expected=="`)
	assert.Contains(t, string(msg.Value), `"hash_value":"computed=="`)
}

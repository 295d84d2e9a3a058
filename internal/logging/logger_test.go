package logging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type testWriterSyncer struct {
	data []byte
}

func (w *testWriterSyncer) Write(b []byte) (int, error) {
	w.data = append(w.data, b...)
	return len(b), nil
}

func (*testWriterSyncer) Sync() error {
	return nil
}

func TestSetLogger(t *testing.T) {
	prev := L
	t.Cleanup(func() { SetLogger(prev) })

	w := &testWriterSyncer{}
	SetLogger(newLogger(zapcore.InfoLevel, zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), w))

	Debugf("hidden %d", 1)
	assert.Empty(t, w.data)

	Infof("issued certificate %d", 42)
	m := map[string]any{}
	require.NoError(t, json.Unmarshal(w.data, &m), string(w.data))
	assert.Equal(t, "issued certificate 42", m["msg"])
	assert.Equal(t, "info", m["level"])

	assert.NotNil(t, StandardErrorLog())
}

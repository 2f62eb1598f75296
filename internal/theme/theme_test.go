package theme

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/domain"
)

func TestLoadRepositoryThemes(t *testing.T) {
	r, err := Load("../../themes", "", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"general", "insurance"}, r.Names())

	ins := r.Get("insurance")
	assert.Equal(t, filepath.Join("../../themes", "insurance/greeting.wav"), ins.Prompts[0].File)

	assert.Equal(t, General, r.Get("crypto").Name)
	assert.False(t, r.Has("crypto"))
}

func TestLoadWithoutDirectoryUsesBuiltin(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "nothing"), "", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, General, r.Get("").Name)
}

func TestLoadRejectsInvalidTheme(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
name: bad
prompts:
  - file: a.wav
intents:
  - result: machine
    keywords: [beep]
`), 0o644))

	_, err := Load(dir, "", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "machine")
}

func TestLoadRejectsMissingFallback(t *testing.T) {
	_, err := Load(t.TempDir(), "sales", zap.NewNop())
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	g := builtinGeneral()
	tests := []struct {
		transcript string
		want       domain.CallResult
		ok         bool
	}{
		{"Yes, tell me more!", domain.CallResultLead, true},
		{"I'm not interested", domain.CallResultNotInterested, true},
		{"can you call back tomorrow", domain.CallResultCallback, true},
		{"yesterday was fine", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.transcript, func(t *testing.T) {
			got, ok := g.Classify(tt.transcript)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObjection(t *testing.T) {
	r, err := Load("../../themes", "", zap.NewNop())
	require.NoError(t, err)

	obj, ok := r.Get("insurance").Objection("isn't that a scam")
	require.True(t, ok)
	assert.Equal(t, "trust", obj.Name)

	_, ok = r.Get("insurance").Objection("sounds good")
	assert.False(t, ok)
}

package keypool_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/keypool"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadManifest(t *testing.T) {
	manifest := `# production keys
sk-alpha

team-a sk-bravo
team-b extra-field sk-charlie
   # indented comment
sk-alpha
`
	p := keypool.New("openai", 0, nil)
	n, err := keypool.LoadManifest(p, writeManifest(t, manifest))
	require.NoError(t, err)
	assert.Equal(t, 3, n, "duplicate sk-alpha loads once")
	assert.Equal(t, 3, p.Len())

	s := p.Stats()
	require.Len(t, s.Credentials, 3)
	assert.Equal(t, "key-1", s.Credentials[0].Label, "single-field line gets positional label")
	assert.Equal(t, "team-a", s.Credentials[1].Label)
	assert.Equal(t, "team-b", s.Credentials[2].Label, "first field is the label, last field the token")
}

func TestLoadManifestTokenIsLastField(t *testing.T) {
	p := keypool.New("openai", 0, nil)
	_, err := keypool.LoadManifest(p, writeManifest(t, "prod primary sk-the-token\n"))
	require.NoError(t, err)

	c, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, "sk-the-token", c.Token())
	assert.Equal(t, "prod", c.Label())
}

func TestLoadManifestMissingFile(t *testing.T) {
	p := keypool.New("qwen", 0, nil)
	n, err := keypool.LoadManifest(p, filepath.Join(t.TempDir(), "absent.txt"))
	require.NoError(t, err, "a missing manifest is an empty pool, not an error")
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, p.Len())
}

func TestLoadManifestOnlyComments(t *testing.T) {
	p := keypool.New("openai", 0, nil)
	n, err := keypool.LoadManifest(p, writeManifest(t, "# one\n\n# two\n\t\n"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = p.Next()
	assert.ErrorIs(t, err, keypool.ErrPoolEmpty)
}

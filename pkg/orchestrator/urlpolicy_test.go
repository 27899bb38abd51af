package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLPolicy_Admit(t *testing.T) {
	p, err := NewURLPolicy()
	require.NoError(t, err)

	tests := []struct {
		name   string
		expr   string
		server string
		url    string
		want   bool
	}{
		{"https only allows https", `url.scheme == "https"`, "demo", "https://a.example.com/x", true},
		{"https only refuses http", `url.scheme == "https"`, "demo", "http://a.example.com/x", false},
		{"host suffix", `url.host.endsWith(".example.com")`, "demo", "https://login.example.com:8443/", true},
		{"port is separate", `url.port == "8443"`, "demo", "https://login.example.com:8443/", true},
		{"path prefix", `url.path.startsWith("/oauth/")`, "demo", "https://x.test/oauth/start?state=1", true},
		{"server exemption", `url.scheme == "https" || server == "dev"`, "dev", "http://localhost:3000/cb", true},
		{"server exemption scoped", `url.scheme == "https" || server == "dev"`, "prod", "http://localhost:3000/cb", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Admit(tt.expr, tt.server, tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestURLPolicy_CompileErrors(t *testing.T) {
	p, err := NewURLPolicy()
	require.NoError(t, err)

	assert.Error(t, p.Compile(`url.scheme`))
	assert.Error(t, p.Compile(`url.nope(`))
	assert.Error(t, p.Compile(`unknown == "x"`))
	assert.NoError(t, p.Compile(`true`))

	_, err = p.Admit(`url.scheme == "https"`, "demo", "://bad")
	assert.Error(t, err)
}

func TestURLPolicy_CachesPrograms(t *testing.T) {
	p, err := NewURLPolicy()
	require.NoError(t, err)

	expr := `url.scheme == "https"`
	for i := 0; i < 3; i++ {
		_, err := p.Admit(expr, "demo", "https://example.com")
		require.NoError(t, err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	assert.Len(t, p.prgCache, 1)
}

package security

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/ingesthub/logger"
)

func newAllowlist(t *testing.T, config IPAllowlistConfig) *IPAllowlist {
	t.Helper()
	al, err := NewIPAllowlist(config, logger.Discard)
	require.NoError(t, err)
	t.Cleanup(al.Stop)
	return al
}

func TestCIDRMatchingIPv4(t *testing.T) {
	al := newAllowlist(t, IPAllowlistConfig{CIDRs: []string{"192.168.1.0/24"}})

	assert.True(t, al.Allowed("192.168.1.42"))
	assert.False(t, al.Allowed("192.168.2.1"))
}

func TestCIDRMatchingIPv6(t *testing.T) {
	al := newAllowlist(t, IPAllowlistConfig{CIDRs: []string{"::1/128"}, AllowLocalhost: true})

	assert.True(t, al.Allowed("::1"))
	assert.False(t, al.Allowed("2001:db8::1"))

	al2 := newAllowlist(t, IPAllowlistConfig{CIDRs: []string{"2001:db8::/32"}})
	assert.True(t, al2.Allowed("2001:db8::1"))
	assert.False(t, al2.Allowed("2001:db9::1"))
}

func TestLocalhostKnob(t *testing.T) {
	permissive := newAllowlist(t, IPAllowlistConfig{CIDRs: []string{"203.0.113.0/24"}, AllowLocalhost: true})
	assert.True(t, permissive.Allowed("127.0.0.1"))
	assert.True(t, permissive.Allowed("::1"))

	strict := newAllowlist(t, IPAllowlistConfig{CIDRs: []string{"203.0.113.0/24"}})
	assert.False(t, strict.Allowed("127.0.0.1"))
}

func TestBlockPrivateNetworks(t *testing.T) {
	al := newAllowlist(t, IPAllowlistConfig{BlockPrivateNetworks: true})

	assert.False(t, al.Allowed("10.1.2.3"))
	assert.False(t, al.Allowed("172.16.0.9"))
	assert.False(t, al.Allowed("192.168.0.1"))
	assert.False(t, al.Allowed("fc00::1"))
	assert.True(t, al.Allowed("203.0.113.5"))
}

func TestEmptyListAllowsPublic(t *testing.T) {
	al := newAllowlist(t, IPAllowlistConfig{})
	assert.True(t, al.Allowed("203.0.113.5"))
	assert.False(t, al.Allowed("not-an-ip"))
}

func TestInvalidCIDRSkipped(t *testing.T) {
	al := newAllowlist(t, IPAllowlistConfig{CIDRs: []string{"garbage", "300.0.0.0/8", "192.168.1.0/24"}})

	// Startup is not aborted and valid entries still apply.
	assert.Len(t, al.Networks(), 1)
	assert.True(t, al.Allowed("192.168.1.10"))
}

func TestBareAddressEntries(t *testing.T) {
	al := newAllowlist(t, IPAllowlistConfig{CIDRs: []string{"203.0.113.7", "2001:db8::5"}})

	assert.True(t, al.Allowed("203.0.113.7"))
	assert.False(t, al.Allowed("203.0.113.8"))
	assert.True(t, al.Allowed("2001:db8::5"))
}

func TestAtomicReload(t *testing.T) {
	al := newAllowlist(t, IPAllowlistConfig{CIDRs: []string{"10.0.0.0/8"}})

	require.True(t, al.Allowed("10.1.1.1"))
	al.Reload([]string{"172.16.0.0/12"})
	assert.False(t, al.Allowed("10.1.1.1"))
	assert.True(t, al.Allowed("172.16.5.5"))
}

func TestFileReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.txt")
	require.NoError(t, os.WriteFile(path, []byte("192.168.1.0/24\n# comment\n"), 0o644))

	al := newAllowlist(t, IPAllowlistConfig{ReloadFile: path})
	require.True(t, al.Allowed("192.168.1.42"))
	require.False(t, al.Allowed("172.16.0.1"))

	require.NoError(t, os.WriteFile(path, []byte("172.16.0.0/12\n"), 0o644))

	// The watcher applies the change asynchronously.
	assert.Eventually(t, func() bool {
		return al.Allowed("172.16.0.1") && !al.Allowed("192.168.1.42")
	}, 2*time.Second, 10*time.Millisecond)
}

// SPDX-License-Identifier: Apache-2.0

package request

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akihiro/nm-secret-agent/internal/connection"
)

type recorder struct {
	calls   int
	secrets Secrets
	err     error
}

func (r *recorder) callback(s Secrets, err error) {
	r.calls++
	r.secrets = s
	r.err = err
}

type fakeExt struct {
	released int
	order    *[]string
}

func (f *fakeExt) Release() {
	f.released++
	if f.order != nil {
		*f.order = append(*f.order, "release")
	}
}

func newConn(path string) *connection.Connection {
	return connection.New(path, connection.Settings{
		connection.SettingConnection: {
			connection.KeyID:   "Home",
			connection.KeyUUID: "0b6f0a4e-1c2d-4e3f-8a9b-0c1d2e3f4a5b",
			connection.KeyType: connection.SettingWireless,
		},
	})
}

func TestLifecycle(t *testing.T) {
	rec := &recorder{}
	req := New(newConn("/c/1"), "802-11-wireless-security", []string{"psk"}, FlagAllowInteraction, rec.callback)
	assert.Equal(t, StateCreated, req.State())
	assert.Equal(t, ID{ConnectionPath: "/c/1", SettingName: "802-11-wireless-security"}, req.ID)

	req.Dispatched()
	assert.Equal(t, StateDispatched, req.State())

	ext := &fakeExt{}
	req.Await(ext)
	assert.Equal(t, StateAwaitingExternal, req.State())
	assert.Same(t, ext, req.Extension())

	ok := req.Succeed(Secrets{"802-11-wireless-security": {"psk": "pw"}})
	assert.True(t, ok)
	assert.Equal(t, StateReleased, req.State())
	assert.Equal(t, 1, rec.calls)
	assert.NoError(t, rec.err)
	assert.Equal(t, "pw", rec.secrets["802-11-wireless-security"]["psk"])
	assert.Equal(t, 1, ext.released)
	assert.Nil(t, req.Extension())
}

func TestCompleteExactlyOnce(t *testing.T) {
	rec := &recorder{}
	req := New(newConn("/c/1"), "vpn", nil, 0, rec.callback)
	ext := &fakeExt{}
	req.Dispatched()
	req.Await(ext)

	assert.True(t, req.Fail(ErrUserCanceled))
	assert.False(t, req.Succeed(Secrets{"vpn": {}}))
	assert.False(t, req.Fail(ErrFailed))

	assert.Equal(t, 1, rec.calls)
	assert.ErrorIs(t, rec.err, ErrUserCanceled)
	assert.Nil(t, rec.secrets)
	assert.Equal(t, 1, ext.released)
}

func TestCallbackRunsBeforeRelease(t *testing.T) {
	var order []string
	req := New(newConn("/c/1"), "vpn", nil, 0, func(Secrets, error) {
		order = append(order, "callback")
	})
	req.Await(&fakeExt{order: &order})
	req.Succeed(nil)
	assert.Equal(t, []string{"callback", "release"}, order)
}

func TestSucceedNilSecretsIsEmptyMap(t *testing.T) {
	rec := &recorder{}
	New(newConn("/c/1"), "vpn", nil, 0, rec.callback).Succeed(nil)
	assert.NotNil(t, rec.secrets)
	assert.Empty(t, rec.secrets)
}

func TestSynchronousFailureFromDispatched(t *testing.T) {
	rec := &recorder{}
	req := New(newConn("/c/1"), "bluetooth", nil, 0, rec.callback)
	req.Dispatched()
	req.Fail(Failf("missing secrets hints"))

	assert.Equal(t, StateReleased, req.State())
	assert.ErrorIs(t, rec.err, ErrFailed)
	assert.EqualError(t, rec.err, "failed: missing secrets hints")
}

func TestAwaitAfterCompletionReleasesExtension(t *testing.T) {
	req := New(newConn("/c/1"), "vpn", nil, 0, func(Secrets, error) {})
	req.Fail(ErrFailed)

	ext := &fakeExt{}
	req.Await(ext)
	assert.Equal(t, 1, ext.released)
	assert.Equal(t, StateReleased, req.State())
}

func TestRegistry(t *testing.T) {
	g := NewRegistry()
	rec := &recorder{}
	req := New(newConn("/c/1"), "vpn", nil, 0, rec.callback)
	require.NoError(t, g.Register(req))
	assert.Equal(t, 1, g.Len())

	// Completion takes the request out of the registry.
	req.Succeed(nil)
	assert.Equal(t, 0, g.Len())
	assert.Nil(t, g.UnregisterAndFind(req.ID))
}

func TestRegistryDuplicate(t *testing.T) {
	g := NewRegistry()
	first := New(newConn("/c/1"), "vpn", nil, 0, func(Secrets, error) {})
	second := New(newConn("/c/1"), "vpn", nil, 0, func(Secrets, error) {})
	require.NoError(t, g.Register(first))

	err := g.Register(second)
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	assert.ErrorIs(t, err, ErrFailed)

	// Completing the rejected request must not evict the registered one.
	second.Fail(err)
	assert.Equal(t, 1, g.Len())
	assert.Same(t, first, g.UnregisterAndFind(first.ID))
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	g := NewRegistry()
	rec := &recorder{}
	req := New(newConn("/c/1"), "vpn", nil, 0, rec.callback)
	require.NoError(t, g.Register(req))
	req.Succeed(Secrets{"vpn": {}})

	if late := g.UnregisterAndFind(req.ID); late != nil {
		late.Fail(ErrUserCanceled)
	}
	assert.Equal(t, 1, rec.calls)
	assert.NoError(t, rec.err)
}

func TestUnregisterAndFindThenCancel(t *testing.T) {
	g := NewRegistry()
	rec := &recorder{}
	ext := &fakeExt{}
	req := New(newConn("/c/1"), "vpn", nil, 0, rec.callback)
	require.NoError(t, g.Register(req))
	req.Dispatched()
	req.Await(ext)

	found := g.UnregisterAndFind(req.ID)
	require.Same(t, req, found)
	found.Fail(ErrUserCanceled)

	assert.ErrorIs(t, rec.err, ErrUserCanceled)
	assert.Equal(t, 1, ext.released)
	assert.Equal(t, 0, g.Len())
}

func TestReleaseAll(t *testing.T) {
	g := NewRegistry()
	recs := []*recorder{{}, {}, {}}
	exts := []*fakeExt{{}, {}, {}}
	for i, path := range []string{"/c/1", "/c/2", "/c/3"} {
		req := New(newConn(path), "vpn", nil, 0, recs[i].callback)
		require.NoError(t, g.Register(req))
		req.Await(exts[i])
	}

	g.ReleaseAll(ErrShuttingDown)
	assert.Equal(t, 0, g.Len())
	for i := range recs {
		assert.Equal(t, 1, recs[i].calls)
		assert.ErrorIs(t, recs[i].err, ErrFailed)
		assert.Equal(t, 1, exts[i].released)
	}
}

func TestKind(t *testing.T) {
	assert.Equal(t, ErrFailed, Kind(ErrUnsupportedConnectionType))
	assert.Equal(t, ErrUserCanceled, Kind(ErrUserCanceled))
	assert.Equal(t, ErrNoSecrets, Kind(errors.Join(errors.New("ctx"), ErrNoSecrets)))
	assert.Equal(t, ErrFailed, Kind(errors.New("unclassified")))
}

func TestFlags(t *testing.T) {
	f := FlagAllowInteraction | FlagRequestNew
	assert.True(t, f.Has(FlagAllowInteraction))
	assert.True(t, f.Has(FlagRequestNew))
	assert.False(t, f.Has(FlagUserRequested))
	assert.Equal(t, "awaiting-external", StateAwaitingExternal.String())

	assert.Equal(t, "none", Flags(0).String())
	assert.Equal(t, "allow-interaction|request-new", f.String())
	assert.Equal(t, "user-requested|only-system|0x100", (FlagUserRequested | FlagOnlySystem | 0x100).String())
	assert.Equal(t, "wps-pbc-active|no-errors", (FlagWPSPBCActive | FlagNoErrors).String())
}

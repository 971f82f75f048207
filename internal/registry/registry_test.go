package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playok/fleetmon/internal/auth"
	"github.com/playok/fleetmon/internal/model"
	"github.com/playok/fleetmon/internal/store"
	"github.com/playok/fleetmon/internal/telemetry"
)

var (
	admin = model.Caller{UserID: 1, Role: model.RoleAdmin}
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, nil, telemetry.NewMetrics(prometheus.NewRegistry()), testr.New(t)), st
}

func ptr[T any](v T) *T { return &v }

func TestRegisterValidates(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	var verr *model.ValidationError
	_, _, err := r.Register(ctx, &model.Registration{Hostname: "  "})
	assert.ErrorAs(t, err, &verr)
	_, _, err = r.Register(ctx, &model.Registration{Hostname: "x", MaxCores: ptr(int64(-1))})
	assert.ErrorAs(t, err, &verr)
	_, _, err = r.Register(ctx, nil)
	assert.ErrorAs(t, err, &verr)
}

func TestRegisterTwiceKeepsOneRow(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	m1, created, err := r.Register(ctx, &model.Registration{Hostname: "node", MaxCores: ptr(int64(4))})
	require.NoError(t, err)
	assert.True(t, created)

	m2, created, err := r.Register(ctx, &model.Registration{Hostname: "node", MaxCores: ptr(int64(8))})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, m1.ID, m2.ID)

	list, err := r.List(ctx, admin)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(8), *list[0].MaxCores)
}

func TestRegisterNormalizesVMList(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	hv, _, err := r.Register(ctx, &model.Registration{
		Hostname:     "hv",
		IsHypervisor: true,
		VMList:       []string{" vm-a ", "vm-a", "", "hv", "vm-b"},
	})
	require.NoError(t, err)
	assert.True(t, hv.IsHypervisor)
	assert.Nil(t, hv.HostedOnID)

	list, err := r.List(ctx, admin)
	require.NoError(t, err)
	names := map[string]model.Machine{}
	for _, m := range list {
		names[m.Hostname] = m
	}
	assert.Len(t, names, 3)
	for _, vm := range []string{"vm-a", "vm-b"} {
		require.Contains(t, names, vm)
		assert.Equal(t, hv.ID, *names[vm].HostedOnID)
		assert.False(t, names[vm].IsHypervisor)
	}
}

func TestVisibility(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	owner, err := st.CreateUser(ctx, "owner", "h")
	require.NoError(t, err)
	stranger, err := st.CreateUser(ctx, "stranger", "h")
	require.NoError(t, err)

	_, _, err = r.Register(ctx, &model.Registration{Hostname: "mine"})
	require.NoError(t, err)
	_, _, err = r.Register(ctx, &model.Registration{Hostname: "nobody"})
	require.NoError(t, err)
	_, err = r.AssignOwner(ctx, admin, "mine", &owner.ID)
	require.NoError(t, err)

	ownerCaller := model.Caller{UserID: owner.ID, Role: model.RoleUser}
	strangerCaller := model.Caller{UserID: stranger.ID, Role: model.RoleUser}

	list, err := r.List(ctx, ownerCaller)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "mine", list[0].Hostname)

	list, err = r.List(ctx, strangerCaller)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = r.List(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = r.Get(ctx, ownerCaller, "mine")
	require.NoError(t, err)
	_, err = r.Get(ctx, strangerCaller, "mine")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = r.Get(ctx, admin, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdminOnlyOperations(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	user := model.Caller{UserID: 2, Role: model.RoleUser}

	_, _, err := r.Register(ctx, &model.Registration{Hostname: "box"})
	require.NoError(t, err)

	assert.ErrorIs(t, r.Delete(ctx, user, "box"), auth.ErrForbidden)
	_, err = r.AssignOwner(ctx, user, "box", nil)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	var verr *model.ValidationError
	_, err = r.AssignOwner(ctx, admin, "box", ptr(int64(999)))
	assert.ErrorAs(t, err, &verr)
	_, err = r.AssignOwner(ctx, admin, "missing", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, r.Delete(ctx, admin, "box"))
	assert.ErrorIs(t, r.Delete(ctx, admin, "box"), store.ErrNotFound)
}

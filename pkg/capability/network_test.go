package capability

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

func from(ip string) *domain.RequestFacts {
	f := form(nil)
	f.ClientIP = ip
	return f
}

func TestIPAllowlist(t *testing.T) {
	ctx := context.Background()
	cfg := domain.Config{"cidrs": []any{"10.0.0.0/8", "2001:db8::1"}}

	out, err := ipAllowlist(ctx, from("10.1.2.3"), cfg)
	require.NoError(t, err)
	assert.Equal(t, -100.0, out.ScoreDelta)
	assert.Equal(t, []string{FlagIPAllowlisted}, out.Flags)
	assert.Equal(t, "10.0.0.0/8", out.Details["cidr"])

	out, err = ipAllowlist(ctx, from("::ffff:10.9.9.9"), cfg)
	require.NoError(t, err)
	assert.Equal(t, -100.0, out.ScoreDelta)

	out, err = ipAllowlist(ctx, from("2001:db8::1"), cfg)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1/128", out.Details["cidr"])

	out, err = ipAllowlist(ctx, from("192.0.2.1"), cfg)
	require.NoError(t, err)
	assert.Equal(t, runtime.Neutral(), out)

	out, err = ipAllowlist(ctx, from("not-an-ip"), cfg)
	require.NoError(t, err)
	assert.Equal(t, runtime.Neutral(), out)

	_, err = ipAllowlist(ctx, from("10.1.2.3"), domain.Config{"cidrs": []any{"10.0.0.0/99"}})
	require.ErrorContains(t, err, "bad cidr")
}

func TestGeoIP(t *testing.T) {
	ctx := context.Background()
	geo, err := NewStaticGeo(map[string]string{"203.0.113.0/24": "fr", "203.0.113.7": "de"})
	require.NoError(t, err)

	code, err := geo.Country(ctx, netip.MustParseAddr("203.0.113.7"))
	require.NoError(t, err)
	assert.Equal(t, "DE", code)
	code, err = geo.Country(ctx, netip.MustParseAddr("203.0.113.8"))
	require.NoError(t, err)
	assert.Equal(t, "FR", code)

	g := &GeoIP{Resolver: geo}

	out, err := g.Check(ctx, from("203.0.113.8"), domain.Config{"blocked_countries": []any{"FR"}})
	require.NoError(t, err)
	assert.Equal(t, 50.0, out.ScoreDelta)
	assert.Equal(t, []string{FlagGeoBlocked}, out.Flags)
	assert.Equal(t, "FR", out.Details["country"])

	out, err = g.Check(ctx, from("203.0.113.8"), domain.Config{"allowed_countries": []any{"de"}, "block": true})
	require.NoError(t, err)
	assert.True(t, out.Blocked)

	out, err = g.Check(ctx, from("203.0.113.7"), domain.Config{"allowed_countries": []any{"de"}})
	require.NoError(t, err)
	assert.Zero(t, out.ScoreDelta)

	out, err = g.Check(ctx, from("198.51.100.1"), domain.Config{"blocked_countries": []any{"FR"}})
	require.NoError(t, err)
	assert.Equal(t, []string{FlagGeoUnknown}, out.Flags)

	out, err = (&GeoIP{}).Check(ctx, from("203.0.113.8"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{FlagGeoUnknown}, out.Flags)

	_, err = NewStaticGeo(map[string]string{"nope": "fr"})
	require.Error(t, err)
}

func TestIPReputation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryReputation()
	require.NoError(t, store.Add("198.51.100.0/24", Reputation{Reason: "spam network"}))
	require.NoError(t, store.Add("198.51.100.9", Reputation{Score: 90, Reason: "known bot"}))
	require.Error(t, store.Add("bad", Reputation{}))

	r := &IPReputation{Store: store}

	out, err := r.Check(ctx, from("198.51.100.9"), nil)
	require.NoError(t, err)
	assert.Equal(t, 90.0, out.ScoreDelta)
	assert.Equal(t, "known bot", out.Details["reason"])
	assert.False(t, out.Blocked)

	out, err = r.Check(ctx, from("198.51.100.1"), domain.Config{"block_listed": true})
	require.NoError(t, err)
	assert.Equal(t, 60.0, out.ScoreDelta)
	assert.True(t, out.Blocked)
	assert.Equal(t, []string{FlagIPListed}, out.Flags)

	store.Remove("198.51.100.9")
	out, err = r.Check(ctx, from("198.51.100.9"), nil)
	require.NoError(t, err)
	assert.Equal(t, "spam network", out.Details["reason"])

	out, err = r.Check(ctx, from("192.0.2.1"), nil)
	require.NoError(t, err)
	assert.Equal(t, runtime.Neutral(), out)
}

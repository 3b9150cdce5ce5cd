package geo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nitella/nitellad/internal/common"
	"github.com/nitella/nitellad/internal/geo"
)

type resolverFunc func(ctx context.Context, ip string) (*common.GeoInfo, error)

func (f resolverFunc) Lookup(
	ctx context.Context,
	ip string,
) (*common.GeoInfo, error) {
	return f(ctx, ip)
}

func TestLookupTimeout_FastResolver(t *testing.T) {
	want := &common.GeoInfo{CountryCode: "DE"}
	r := resolverFunc(func(_ context.Context, _ string) (*common.GeoInfo, error) {
		return want, nil
	})

	got := geo.LookupTimeout(r, "1.2.3.4", time.Second)
	require.Equal(t, want, got)
}

func TestLookupTimeout_SlowResolver(t *testing.T) {
	r := resolverFunc(func(ctx context.Context, _ string) (*common.GeoInfo, error) {
		<-ctx.Done()
		return &common.GeoInfo{CountryCode: "DE"}, nil
	})

	start := time.Now()
	got := geo.LookupTimeout(r, "1.2.3.4", 50*time.Millisecond)
	require.Nil(t, got)
	require.Less(t, time.Since(start), time.Second)
}

func TestLookupTimeout_ErrorResolver(t *testing.T) {
	r := resolverFunc(func(_ context.Context, _ string) (*common.GeoInfo, error) {
		return nil, errors.New("remote unavailable")
	})

	require.Nil(t, geo.LookupTimeout(r, "1.2.3.4", time.Second))
}

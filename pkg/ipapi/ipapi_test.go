package ipapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetLocationForIP(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/1.1.1.1/json/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "ipapi.co/#go", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{
			"ip": "1.1.1.1",
			"city": "Sydney",
			"region": "New South Wales",
			"region_code": "NSW",
			"country": "AU",
			"country_name": "Australia",
			"timezone": "Australia/Sydney",
			"asn": "AS13335",
			"org": "CLOUDFLARENET"
		}`))
	})
	mux.HandleFunc("/10.0.0.1/json/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": true, "reason": "Reserved IP Address"}`))
	})
	mux.HandleFunc("/9.9.9.9/json/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": true, "reason": "RateLimited"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := &client{
		FmtURL:     srv.URL + "/%s/json/",
		HTTPClient: srv.Client(),
	}
	ctx := context.Background()

	l, err := c.GetLocationForIP(ctx, "1.1.1.1")
	require.NoError(t, err)
	require.Equal(t, "AU", l.Country)
	require.Equal(t, "Australia", l.CountryName)
	require.Equal(t, "Sydney", l.City)
	require.Equal(t, "CLOUDFLARENET", l.Org)

	_, err = c.GetLocationForIP(ctx, "10.0.0.1")
	require.ErrorIs(t, err, ErrReservedRange)

	_, err = c.GetLocationForIP(ctx, "9.9.9.9")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrReservedRange)
}

package gpsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/domain"
)

func serveJSON(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest_location/VV-11", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLatestLocationNumeric(t *testing.T) {
	srv := serveJSON(t, `{"lat": 16.5032, "lon": 80.631}`)

	loc, err := New(srv.URL, time.Second).LatestLocation(context.Background(), "VV-11")
	require.NoError(t, err)
	assert.InDelta(t, 16.5032, loc.Lat, 1e-9)
	assert.InDelta(t, 80.631, loc.Lon, 1e-9)
}

func TestLatestLocationStrings(t *testing.T) {
	srv := serveJSON(t, `{"lat": " 16.5032", "lon": "80.631"}`)

	loc, err := New(srv.URL+"/", time.Second).LatestLocation(context.Background(), "VV-11")
	require.NoError(t, err)
	assert.InDelta(t, 16.5032, loc.Lat, 1e-9)
	assert.InDelta(t, 80.631, loc.Lon, 1e-9)
}

func TestLatestLocationMalformed(t *testing.T) {
	cases := map[string]string{
		"non-numeric":  `{"lat": "not-a-number", "lon": "80.5"}`,
		"missing lon":  `{"lat": 16.5}`,
		"null lat":     `{"lat": null, "lon": 80.5}`,
		"empty":        `{"lat": "", "lon": ""}`,
		"bool":         `{"lat": true, "lon": 80.5}`,
		"out of range": `{"lat": 123.0, "lon": 80.5}`,
		"not json":     `<html>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := serveJSON(t, body)
			_, err := New(srv.URL, time.Second).LatestLocation(context.Background(), "VV-11")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedLocation), "got %v", err)
		})
	}
}

func TestLatestLocationServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).LatestLocation(context.Background(), "VV-11")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code: 502")
	assert.False(t, errors.Is(err, ErrMalformedLocation))
}

func TestReportArrival(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/arrivals", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ts := time.Date(2026, 3, 2, 7, 36, 10, 0, time.UTC)
	err := New(srv.URL, time.Second).ReportArrival(context.Background(), domain.ArrivalEvent{
		RouteID:    "vv1",
		StopName:   "Gosala",
		ActualTime: "7:36 AM",
		Timestamp:  ts,
	})
	require.NoError(t, err)

	assert.Equal(t, "vv1", got["routeId"])
	assert.Equal(t, "Gosala", got["stopName"])
	assert.Equal(t, "7:36 AM", got["actualTime"])
	assert.Equal(t, "2026-03-02T07:36:10Z", got["timestamp"])
	assert.Len(t, got, 4)
}

func TestReportArrivalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := New(srv.URL, time.Second).ReportArrival(context.Background(), domain.ArrivalEvent{RouteID: "vv1"})
	assert.Error(t, err)
}

package enrich

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/ankitkr9911/Cipherstorm/internal/logging"
	"github.com/ankitkr9911/Cipherstorm/pkg/geoclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type locatorStub struct {
	loc   *geoclient.Location
	err   error
	block bool
	gotIP string
}

func (s *locatorStub) Lookup(ctx context.Context, ip string) (*geoclient.Location, error) {
	s.gotIP = ip
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.loc, s.err
}

func float(v float64) *float64 { return &v }

func TestEnrich_AllSignalsResolved(t *testing.T) {
	locator := &locatorStub{loc: &geoclient.Location{
		IP: "49.36.10.20", Country: "India", City: "Bengaluru",
		Latitude: float(12.97), Longitude: float(77.59),
	}}
	e := NewEnricher(locator, time.Second, logging.Discard())

	at := time.Date(2025, 3, 14, 23, 15, 0, 0, time.UTC) // Friday
	f := e.Enrich(context.Background(), RequestContext{DeviceCookie: "dev-1", DeviceHeader: "dev-2", RemoteIP: "49.36.10.20", At: at})

	assert.Equal(t, "dev-1", f.DeviceID, "cookie wins over header")
	assert.Equal(t, "49.36.10.20", locator.gotIP)
	assert.Equal(t, "49.36.10.20", f.IPAddress)
	assert.Equal(t, "India", f.Country)
	assert.Equal(t, "Bengaluru", f.City)
	require.NotNil(t, f.Latitude)
	assert.Equal(t, 12.97, *f.Latitude)
	assert.Equal(t, domain.DefaultInitiationMode, f.InitiationMode)
	assert.Equal(t, 4, f.DayOfWeek)
	assert.Equal(t, 23, f.Hour)
	assert.Equal(t, 15, f.Minute)
	assert.True(t, f.IsNight)
}

func TestEnrich_DeviceFallbacks(t *testing.T) {
	e := NewEnricher(&locatorStub{loc: &geoclient.Location{}}, time.Second, logging.Discard())

	f := e.Enrich(context.Background(), RequestContext{DeviceHeader: " hdr-9 "})
	assert.Equal(t, "hdr-9", f.DeviceID)

	f = e.Enrich(context.Background(), RequestContext{})
	assert.Equal(t, domain.UnknownDevice, f.DeviceID)
}

func TestEnrich_LocationFailureUsesSentinels(t *testing.T) {
	tests := []struct {
		name    string
		locator GeoLocator
	}{
		{name: "error", locator: &locatorStub{err: errors.New("connection refused")}},
		{name: "nil result", locator: &locatorStub{}},
		{name: "timeout", locator: &locatorStub{block: true}},
		{name: "no locator", locator: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEnricher(tt.locator, 20*time.Millisecond, logging.Discard())
			f := e.Enrich(context.Background(), RequestContext{DeviceCookie: "dev"})

			assert.Equal(t, domain.FallbackIPAddress, f.IPAddress)
			assert.Equal(t, domain.UnknownPlace, f.Country)
			assert.Equal(t, domain.UnknownPlace, f.City)
			assert.Nil(t, f.Latitude)
			assert.Nil(t, f.Longitude)
			assert.Equal(t, "dev", f.DeviceID)
		})
	}
}

func TestEnrich_PartialLocation(t *testing.T) {
	e := NewEnricher(&locatorStub{loc: &geoclient.Location{Country: "India"}}, time.Second, logging.Discard())
	f := e.Enrich(context.Background(), RequestContext{})

	assert.Equal(t, domain.FallbackIPAddress, f.IPAddress)
	assert.Equal(t, "India", f.Country)
	assert.Equal(t, domain.UnknownPlace, f.City)
	assert.Nil(t, f.Latitude)
}

func TestTimeFeatures(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want TimeOfDay
	}{
		{name: "monday early", at: time.Date(2025, 3, 10, 5, 59, 0, 0, time.UTC), want: TimeOfDay{DayOfWeek: 0, Hour: 5, Minute: 59, IsNight: true}},
		{name: "monday six", at: time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC), want: TimeOfDay{DayOfWeek: 0, Hour: 6, Minute: 0, IsNight: false}},
		{name: "saturday 22h", at: time.Date(2025, 3, 15, 22, 59, 0, 0, time.UTC), want: TimeOfDay{DayOfWeek: 5, Hour: 22, Minute: 59, IsNight: false}},
		{name: "sunday 23h", at: time.Date(2025, 3, 16, 23, 0, 0, 0, time.UTC), want: TimeOfDay{DayOfWeek: 6, Hour: 23, Minute: 0, IsNight: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TimeFeatures(tt.at))
		})
	}
}

func TestTimeFeatures_UsesInstantLocation(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	at := time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC).In(ist) // 01:30 Saturday IST
	got := TimeFeatures(at)
	assert.Equal(t, 5, got.DayOfWeek)
	assert.Equal(t, 1, got.Hour)
	assert.Equal(t, 30, got.Minute)
	assert.True(t, got.IsNight)
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/transactions", nil)
	r.RemoteAddr = "203.0.113.9:54321"
	r.Header.Set(DeviceHeaderName, "hdr")
	r.AddCookie(&http.Cookie{Name: DeviceCookieName, Value: "cookie"})
	at := time.Now()

	rc := FromRequest(r, at)
	assert.Equal(t, "cookie", rc.DeviceCookie)
	assert.Equal(t, "hdr", rc.DeviceHeader)
	assert.Equal(t, "203.0.113.9", rc.RemoteIP)
	assert.Equal(t, at, rc.At)
}

func TestHostOnly(t *testing.T) {
	assert.Equal(t, "10.0.0.1", hostOnly("10.0.0.1:80"))
	assert.Equal(t, "10.0.0.1", hostOnly("10.0.0.1"))
	assert.Equal(t, "2001:db8::1", hostOnly("[2001:db8::1]:443"))
	assert.Equal(t, "2001:db8::1", hostOnly("2001:db8::1"))
	assert.Equal(t, "", hostOnly(""))
}

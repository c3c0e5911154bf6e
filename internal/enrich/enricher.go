// Package enrich derives the contextual signals attached to every transfer:
// device identity, network location and time of day. Enrichment never fails;
// unresolvable signals are replaced by sentinel values.
package enrich

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ankitkr9911/Cipherstorm/internal/domain"
	"github.com/ankitkr9911/Cipherstorm/internal/metrics"
	"github.com/ankitkr9911/Cipherstorm/pkg/geoclient"
)

const (
	DeviceCookieName = "device_id"
	DeviceHeaderName = "X-Device-ID"

	DefaultLookupTimeout = 5 * time.Second
)

// GeoLocator resolves an IP address to a location.
type GeoLocator interface {
	Lookup(ctx context.Context, ip string) (*geoclient.Location, error)
}

// RequestContext carries the request attributes enrichment reads.
type RequestContext struct {
	DeviceCookie string
	DeviceHeader string
	RemoteIP     string
	At           time.Time
}

// FromRequest captures the enrichment inputs of r. RemoteIP should already have
// been rewritten by middleware.RealIP.
func FromRequest(r *http.Request, at time.Time) RequestContext {
	rc := RequestContext{
		DeviceHeader: r.Header.Get(DeviceHeaderName),
		RemoteIP:     hostOnly(r.RemoteAddr),
		At:           at,
	}
	if cookie, err := r.Cookie(DeviceCookieName); err == nil {
		rc.DeviceCookie = cookie.Value
	}
	return rc
}

// Enricher produces domain.EnrichedFeatures.
type Enricher struct {
	locator GeoLocator
	timeout time.Duration
	logger  *slog.Logger
}

func NewEnricher(locator GeoLocator, timeout time.Duration, logger *slog.Logger) *Enricher {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Enricher{
		locator: locator,
		timeout: timeout,
		logger:  logger.With("component", "enricher"),
	}
}

// Enrich resolves all signals for rc.
func (e *Enricher) Enrich(ctx context.Context, rc RequestContext) domain.EnrichedFeatures {
	f := domain.EnrichedFeatures{
		DeviceID:       e.deviceID(rc),
		InitiationMode: domain.DefaultInitiationMode,
	}
	e.applyLocation(ctx, rc.RemoteIP, &f)

	tod := TimeFeatures(rc.At)
	f.DayOfWeek = tod.DayOfWeek
	f.Hour = tod.Hour
	f.Minute = tod.Minute
	f.IsNight = tod.IsNight
	return f
}

func (e *Enricher) deviceID(rc RequestContext) string {
	if id := strings.TrimSpace(rc.DeviceCookie); id != "" {
		return id
	}
	if id := strings.TrimSpace(rc.DeviceHeader); id != "" {
		return id
	}
	metrics.EnrichmentDegradedTotal.WithLabelValues("device").Inc()
	e.logger.Warn("no device identifier on request", "fallback", domain.UnknownDevice)
	return domain.UnknownDevice
}

func (e *Enricher) applyLocation(ctx context.Context, remoteIP string, f *domain.EnrichedFeatures) {
	f.IPAddress = domain.FallbackIPAddress
	f.Country = domain.UnknownPlace
	f.City = domain.UnknownPlace

	if e.locator == nil {
		metrics.EnrichmentDegradedTotal.WithLabelValues("location").Inc()
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	loc, err := e.locator.Lookup(lookupCtx, remoteIP)
	if err != nil || loc == nil {
		metrics.EnrichmentDegradedTotal.WithLabelValues("location").Inc()
		e.logger.Warn("geolocation lookup failed; using fallback values", "remote_ip", remoteIP, "error", err)
		return
	}

	if ip := strings.TrimSpace(loc.IP); ip != "" {
		f.IPAddress = ip
	}
	if country := strings.TrimSpace(loc.Country); country != "" {
		f.Country = country
	}
	if city := strings.TrimSpace(loc.City); city != "" {
		f.City = city
	}
	f.Latitude = loc.Latitude
	f.Longitude = loc.Longitude
}

// TimeOfDay holds the calendar features of an instant.
type TimeOfDay struct {
	DayOfWeek int // Monday = 0
	Hour      int
	Minute    int
	IsNight   bool
}

// TimeFeatures computes calendar features of t in t's own location.
func TimeFeatures(t time.Time) TimeOfDay {
	hour := t.Hour()
	return TimeOfDay{
		DayOfWeek: (int(t.Weekday()) + 6) % 7,
		Hour:      hour,
		Minute:    t.Minute(),
		IsNight:   hour < 6 || hour > 22,
	}
}

func hostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

package geo

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"github.com/nitella/nitellad/internal/common"
	"github.com/nitella/nitellad/internal/database"
	"github.com/nitella/nitellad/pkg/ipapi"
)

// RemoteTimeout bounds a single remote geolocation fetch.
const RemoteTimeout = 5 * time.Second

// Resolver maps a source IP to its geolocation snapshot. The handler
// always calls it with a short deadline, so implementations must honor
// ctx cancellation.
type Resolver interface {
	Lookup(ctx context.Context, ip string) (*common.GeoInfo, error)
}

// Service resolves geolocation with a local cache in front of the
// ipapi.co remote, optionally enriching the snapshot with the PTR
// hostname of the source IP.
type Service struct {
	db     *database.DB
	client ipapi.Client
	dns    netip.AddrPort
	hasDNS bool
}

func NewService(db *database.DB, cfg common.GeoConfig) (*Service, error) {
	s := &Service{db: db}

	if cfg.APIKey != "" {
		s.client = ipapi.NewClientWithAPIKey(cfg.APIKey)
	} else {
		s.client = ipapi.NewClient()
	}

	if cfg.DNS != "" {
		addr, err := netip.ParseAddrPort(cfg.DNS)
		if err != nil {
			return nil, fmt.Errorf("dns addr is invalid: %w", err)
		}
		s.dns = addr
		s.hasDNS = true
	}

	return s, nil
}

func (s *Service) Lookup(
	ctx context.Context,
	ip string,
) (*common.GeoInfo, error) {
	geo, err := s.db.GetGeolocation(ip)
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("can't get cached geolocation: %w", err)
	}
	if geo != nil {
		return geo, nil
	}

	geo = &common.GeoInfo{}

	g, err := s.client.GetLocationForIP(ctx, ip)
	if err != nil && !errors.Is(err, ipapi.ErrReservedRange) {
		return nil, fmt.Errorf("can't get geolocation with ipapi.co: %w", err)
	}
	if g != nil {
		geo.CountryCode = g.Country
		geo.Country = g.CountryName
		geo.RegionCode = g.RegionCode
		geo.Region = g.Region
		geo.City = g.City
		geo.Timezone = g.Timezone
		geo.ISP = g.Org
		geo.Org = g.Org
		geo.ASN = g.Asn
	}

	if s.hasDNS {
		geo.Hostname = s.reverseLookup(ip)
	}

	log.Debug().Str("ip", ip).Any("geo", geo).Msg("New geo lookup")
	err = s.db.SaveGeolocation(ip, geo)
	if err != nil {
		return nil, fmt.Errorf("can't save geolocation: %w", err)
	}

	return geo, nil
}

func (s *Service) reverseLookup(ip string) string {
	addr, _ := dns.ReverseAddr(ip)
	m := new(dns.Msg)
	m.SetQuestion(addr, dns.TypePTR)

	c := new(dns.Client)
	r, _, err := c.Exchange(m, s.dns.String())
	if err != nil {
		log.Debug().Err(err).Str("ip", ip).Msg("PTR lookup failed")
		return ""
	}

	for _, a := range r.Answer {
		ptr, ok := a.(*dns.PTR)
		if ok {
			return strings.TrimSuffix(ptr.Ptr, ".")
		}
	}
	return ""
}

// LookupTimeout resolves with a hard deadline. On timeout or error it
// returns nil so the accept path never stalls on a slow provider; rule
// evaluation treats nil as "no geo info".
func LookupTimeout(
	r Resolver,
	ip string,
	timeout time.Duration,
) *common.GeoInfo {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type result struct {
		geo *common.GeoInfo
		err error
	}
	ch := make(chan result, 1)
	go func() {
		geo, err := r.Lookup(ctx, ip)
		ch <- result{geo, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			log.Debug().Err(res.err).Str("ip", ip).Msg("Geo lookup failed")
			return nil
		}
		return res.geo
	case <-ctx.Done():
		return nil
	}
}

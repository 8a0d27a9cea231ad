package geoip

import (
	"fmt"
	"net"
	"strings"

	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/oschwald/geoip2-golang"
)

// Service provides GeoIP lookup functionality
type Service struct {
	db     *geoip2.Reader
	asn    *geoip2.Reader
	config config.GeoIPConfig
}

// LocationInfo contains geographic information about an IP
type LocationInfo struct {
	Country      string  `json:"country"`
	CountryCode  string  `json:"country_code"`
	City         string  `json:"city"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	ASN          uint    `json:"asn,omitempty"`
	Organization string  `json:"organization,omitempty"`
}

// String renders the location as "City, Country (Organization)", omitting
// empty parts.
func (l *LocationInfo) String() string {
	if l == nil {
		return ""
	}
	var parts []string
	if l.City != "" {
		parts = append(parts, l.City)
	}
	if l.Country != "" {
		parts = append(parts, l.Country)
	}
	s := strings.Join(parts, ", ")
	if l.Organization != "" {
		if s != "" {
			s += " "
		}
		s += "(" + l.Organization + ")"
	}
	return s
}

var defaultPaths = []string{
	"/usr/share/GeoIP/GeoLite2-City.mmdb",
	"/var/lib/GeoIP/GeoLite2-City.mmdb",
	"./GeoLite2-City.mmdb",
	"/opt/geoip/GeoLite2-City.mmdb",
}

// NewService opens the configured databases. A disabled service answers
// every lookup with an error and Enabled reports false.
func NewService(cfg config.GeoIPConfig) (*Service, error) {
	if !cfg.Enabled {
		return &Service{config: cfg}, nil
	}

	paths := defaultPaths
	if cfg.DatabasePath != "" {
		paths = []string{cfg.DatabasePath}
	}

	var db *geoip2.Reader
	var err error
	for _, path := range paths {
		db, err = geoip2.Open(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database: %w", err)
	}

	s := &Service{db: db, config: cfg}
	if cfg.ASNDatabasePath != "" {
		s.asn, err = geoip2.Open(cfg.ASNDatabasePath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open ASN database: %w", err)
		}
	}
	return s, nil
}

// Enabled reports whether lookups can succeed.
func (s *Service) Enabled() bool {
	return s != nil && s.db != nil
}

// GetCountry returns the country for an IP address
func (s *Service) GetCountry(ipStr string) (string, error) {
	info, err := s.GetLocationInfo(ipStr)
	if err != nil {
		return "Unknown", err
	}
	return info.Country, nil
}

// GetLocationInfo returns detailed location information for an IP
func (s *Service) GetLocationInfo(ipStr string) (*LocationInfo, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("GeoIP database not available")
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ipStr)
	}

	record, err := s.db.City(ip)
	if err != nil {
		return nil, err
	}

	info := &LocationInfo{
		Country:     record.Country.Names["en"],
		CountryCode: record.Country.IsoCode,
		City:        record.City.Names["en"],
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
	}

	if s.asn != nil {
		if asn, err := s.asn.ASN(ip); err == nil {
			info.ASN = asn.AutonomousSystemNumber
			info.Organization = asn.AutonomousSystemOrganization
		}
	}

	return info, nil
}

// Annotate looks up every IP, skipping those that fail. The result is empty
// when the service is disabled.
func (s *Service) Annotate(ips []string) map[string]*LocationInfo {
	out := make(map[string]*LocationInfo, len(ips))
	if !s.Enabled() {
		return out
	}
	for _, ip := range ips {
		if info, err := s.GetLocationInfo(ip); err == nil {
			out[ip] = info
		}
	}
	return out
}

// Close closes the GeoIP databases
func (s *Service) Close() error {
	if s.asn != nil {
		s.asn.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

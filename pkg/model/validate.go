package model

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-multierror"
)

// Device host numbers live between the server (.1) and broadcast.
const (
	MinDeviceHost = 2
	MaxDeviceHost = 254
)

// Validate checks every topology invariant and reports all violations at once.
// The returned error wraps ErrValidationFailed.
func (t Topology) Validate() error {
	var result *multierror.Error
	if _, err := semver.NewVersion(t.Version); err != nil {
		result = multierror.Append(result, fmt.Errorf("version %q: %w", t.Version, err))
	}
	if t.Keys != nil && !t.Keys.Complete() {
		result = multierror.Append(result, fmt.Errorf("signing keys are incomplete"))
	}
	result = multierror.Append(result, validateServer(t.Server)...)
	result = multierror.Append(result, validateDevices(t.Server, t.Devices)...)
	result = multierror.Append(result, validateDNS(t.Network.DNS)...)
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	return nil
}

func validateServer(s Server) []error {
	var errs []error
	if !s.IP.V4.Valid() {
		errs = append(errs, fmt.Errorf("server ip v4 %v is malformed", []int(s.IP.V4)))
	}
	if v6 := strings.TrimSpace(s.IP.V6); v6 != "" {
		if addr, err := netip.ParseAddr(v6); err != nil || !addr.Is6() {
			errs = append(errs, fmt.Errorf("server ip v6 %q is malformed", s.IP.V6))
		}
	}
	if s.Subnet.V4 != "" && !validPrefixV4(s.Subnet.V4) {
		errs = append(errs, fmt.Errorf("server subnet v4 %q is not a three octet prefix", s.Subnet.V4))
	}
	if s.Subnet.V6 != "" && !validPrefixV6(s.Subnet.V6) {
		errs = append(errs, fmt.Errorf("server subnet v6 %q is not a /64 prefix", s.Subnet.V6))
	}
	if s.Keys != nil && !s.Keys.Complete() {
		errs = append(errs, fmt.Errorf("server keys are incomplete"))
	}
	if strings.ContainsAny(s.Hostname, " \t/") {
		errs = append(errs, fmt.Errorf("server hostname %q is malformed", s.Hostname))
	}
	return errs
}

func validateDevices(s Server, devices []Device) []error {
	var errs []error
	ids := make(map[string]bool, len(devices))
	hosts := make(map[int]string, len(devices))
	for _, d := range devices {
		if d.IsDraft() {
			continue
		}
		label := fmt.Sprintf("device %s", d.ID)
		if ids[d.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id", label))
		}
		ids[d.ID] = true
		if strings.TrimSpace(d.Name) == "" {
			errs = append(errs, fmt.Errorf("%s: name is empty", label))
		}
		if d.IP.V4 < MinDeviceHost || d.IP.V4 > MaxDeviceHost {
			errs = append(errs, fmt.Errorf("%s: host %d outside %d-%d", label, d.IP.V4, MinDeviceHost, MaxDeviceHost))
		} else if other, taken := hosts[d.IP.V4]; taken {
			errs = append(errs, fmt.Errorf("%s: address %s already used by device %s", label, s.AddressV4(d.IP.V4), other))
		} else {
			hosts[d.IP.V4] = d.ID
		}
		if d.IP.V6 != nil && (*d.IP.V6 < MinDeviceHost || *d.IP.V6 > 0xffff) {
			errs = append(errs, fmt.Errorf("%s: v6 host %d out of range", label, *d.IP.V6))
		}
		if !d.Type.Valid() {
			errs = append(errs, fmt.Errorf("%s: unknown type %q", label, d.Type))
		}
		if d.Keys != nil {
			if !d.Keys.Complete() {
				errs = append(errs, fmt.Errorf("%s: keys are incomplete", label))
			}
			if s.Keys == nil {
				errs = append(errs, fmt.Errorf("%s: keyed while server is not", label))
			}
		}
		if d.MTU != nil && *d.MTU == 0 {
			errs = append(errs, fmt.Errorf("%s: MTU must be positive", label))
		}
		for _, srv := range d.AdditionalDNSServers {
			if _, err := netip.ParseAddr(strings.TrimSpace(srv)); err != nil {
				errs = append(errs, fmt.Errorf("%s: dns server %q is malformed", label, srv))
			}
		}
	}
	return errs
}

func validateDNS(d DNS) []error {
	var errs []error
	if !d.IP.V4.Valid() {
		errs = append(errs, fmt.Errorf("dns ip v4 %v is malformed", []int(d.IP.V4)))
	}
	if strings.ContainsAny(d.Name, " \t/") {
		errs = append(errs, fmt.Errorf("dns name %q is malformed", d.Name))
	}
	return errs
}

func validPrefixV4(p string) bool {
	parts := strings.Split(p, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}

func validPrefixV6(p string) bool {
	if strings.HasSuffix(p, ":") {
		return false
	}
	addr, err := netip.ParseAddr(p + "::")
	return err == nil && addr.Is6()
}

package core

import (
	"corsrules/models"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/publicsuffix"
)

// PresetAllowHeaders are always sent in Access-Control-Allow-Headers.
var PresetAllowHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"Cache-Control",
	"Content-Language",
	"Content-Type",
	"Origin",
	"X-Requested-With",
}

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// CanonicalOrigin validates raw as an absolute http(s) URL and returns its
// serialized origin and lowercase hostname.
func CanonicalOrigin(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", &ValidationError{Field: "origin", Reason: "must not be empty"}
	}
	if strings.HasPrefix(raw, "//") {
		return "", "", &ValidationError{Field: "origin", Value: raw, Reason: "protocol-relative URLs are not allowed"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", &ValidationError{Field: "origin", Value: raw, Reason: "not a valid URL"}
	}
	scheme := strings.ToLower(u.Scheme)
	if _, ok := defaultPorts[scheme]; !ok {
		return "", "", &ValidationError{Field: "origin", Value: raw, Reason: "scheme must be http or https"}
	}
	if u.Opaque != "" || u.Host == "" {
		return "", "", &ValidationError{Field: "origin", Value: raw, Reason: "missing host"}
	}
	if u.User != nil {
		return "", "", &ValidationError{Field: "origin", Value: raw, Reason: "userinfo is not allowed"}
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return "", "", &ValidationError{Field: "origin", Value: raw, Reason: "missing host"}
	}
	if net.ParseIP(host) == nil {
		if strings.ContainsAny(host, " _*") {
			return "", "", &ValidationError{Field: "origin", Value: raw, Reason: "invalid host"}
		}
		if suffix, icann := publicsuffix.PublicSuffix(host); icann && suffix == host {
			return "", "", &ValidationError{Field: "origin", Value: raw, Reason: "host is a public suffix"}
		}
	}

	port := u.Port()
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1 || n > 65535 {
			return "", "", &ValidationError{Field: "origin", Value: raw, Reason: "invalid port"}
		}
		port = strconv.Itoa(n)
		if port == defaultPorts[scheme] {
			port = ""
		}
	}

	hostPart := host
	if port != "" {
		hostPart = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		hostPart = "[" + host + "]"
	}
	return scheme + "://" + hostPart, host, nil
}

// ParseHeaderList splits a comma-separated header list, validating each name
// and dropping names already present in PresetAllowHeaders or earlier in the list.
func ParseHeaderList(list string) ([]string, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	seen := make(map[string]bool, len(PresetAllowHeaders))
	for _, h := range PresetAllowHeaders {
		seen[strings.ToLower(h)] = true
	}
	var out []string
	for _, segment := range strings.Split(list, ",") {
		name := strings.TrimSpace(segment)
		if name == "" {
			return nil, &ValidationError{Field: "extraHeaders", Value: list, Reason: "empty header name"}
		}
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, &ValidationError{Field: "extraHeaders", Value: name, Reason: "not a valid header name"}
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
	}
	return out, nil
}

// NormalizeHeaderList returns the canonical stored form of list.
func NormalizeHeaderList(list string) (string, error) {
	names, err := ParseHeaderList(list)
	if err != nil {
		return "", err
	}
	return strings.Join(names, ", "), nil
}

// MergeAllowHeaders returns the preset headers followed by the valid extra ones.
func MergeAllowHeaders(extra string) string {
	names := append([]string(nil), PresetAllowHeaders...)
	if parsed, err := ParseHeaderList(extra); err == nil {
		names = append(names, parsed...)
	}
	return strings.Join(names, ", ")
}

// CreateRule validates opts and builds a new rule. nextID is only called
// once validation has passed, so rejected input never consumes an id.
func CreateRule(opts models.RuleOptions, dftCredentials bool, nextID func() int64, nowMillis int64) (models.Rule, error) {
	origin, host, err := CanonicalOrigin(opts.Origin)
	if err != nil {
		return models.Rule{}, err
	}
	headers, err := NormalizeHeaderList(opts.ExtraHeaders)
	if err != nil {
		return models.Rule{}, err
	}
	credentials := dftCredentials
	if opts.Credentials != nil {
		credentials = *opts.Credentials
	}
	return models.Rule{
		ID:           nextID(),
		Origin:       origin,
		Domain:       host,
		Credentials:  credentials,
		ExtraHeaders: headers,
		Disabled:     opts.Disabled,
		CreatedAt:    nowMillis,
		UpdatedAt:    nowMillis,
	}, nil
}

// NormalizeRules validates a complete rule set supplied by a client and
// returns it in stored form. Ids must be positive and unique, and no two
// enabled rules may share an origin. Missing timestamps are set to nowMillis.
func NormalizeRules(rules []models.Rule, nowMillis int64) ([]models.Rule, error) {
	out := make([]models.Rule, 0, len(rules))
	ids := make(map[int64]bool, len(rules))
	enabled := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID <= 0 {
			return nil, &ValidationError{Field: "id", Value: strconv.FormatInt(r.ID, 10), Reason: "must be positive"}
		}
		if ids[r.ID] {
			return nil, &ValidationError{Field: "id", Value: strconv.FormatInt(r.ID, 10), Reason: "used by more than one rule"}
		}
		ids[r.ID] = true

		origin, host, err := CanonicalOrigin(r.Origin)
		if err != nil {
			return nil, err
		}
		headers, err := NormalizeHeaderList(r.ExtraHeaders)
		if err != nil {
			return nil, err
		}
		if !r.Disabled {
			if enabled[origin] {
				return nil, &ValidationError{Field: "origin", Value: origin, Reason: "enabled by more than one rule"}
			}
			enabled[origin] = true
		}
		r.Origin, r.Domain, r.ExtraHeaders = origin, host, headers
		if r.CreatedAt == 0 {
			r.CreatedAt = nowMillis
		}
		if r.UpdatedAt == 0 {
			r.UpdatedAt = nowMillis
		}
		out = append(out, r)
	}
	return out, nil
}

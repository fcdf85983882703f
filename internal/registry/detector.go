// Package registry resolves package identities from registry request
// URLs. Only artifact (tarball) fetches produce an identity; metadata
// and administrative paths yield nil and bypass the gate.
package registry

import (
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Detector matches request paths against configured URL patterns.
type Detector struct {
	config *Config
}

// NewDetector creates a new Detector
func NewDetector(config *Config) *Detector {
	return &Detector{config: config}
}

// FromRequest attempts to detect a package identity from host and
// path. An empty host matches every registry, for use behind a
// reverse proxy where the Host header is the gateway's own.
func (d *Detector) FromRequest(host, path string) *Identity {
	for _, reg := range d.config.Registries {
		if host != "" && !hostMatches(host, reg.Hosts) {
			continue
		}
		for _, pattern := range reg.Patterns {
			if identity := tryPattern(pattern, path); identity != nil {
				return identity
			}
		}
	}
	return nil
}

// FromPath detects a package identity from the path alone.
func (d *Detector) FromPath(path string) *Identity {
	return d.FromRequest("", path)
}

// hostMatches checks if the host matches any of the configured hosts
func hostMatches(host string, configHosts []string) bool {
	hostWithoutPort := host
	if colonIdx := strings.LastIndex(host, ":"); colonIdx != -1 {
		hostWithoutPort = host[:colonIdx]
	}

	for _, configHost := range configHosts {
		if strings.HasPrefix(configHost, "*.") {
			suffix := configHost[1:]
			if strings.HasSuffix(hostWithoutPort, suffix) || hostWithoutPort == configHost[2:] {
				return true
			}
		} else if hostWithoutPort == configHost {
			return true
		}
	}
	return false
}

// tryPattern attempts to extract a package identity using the given
// pattern. Scoped names arrive percent-encoded (@scope%2Fname) and are
// decoded before lookup.
func tryPattern(pattern PatternConfig, path string) *Identity {
	matches := pattern.compiledRegex.FindStringSubmatch(path)
	if matches == nil {
		return nil
	}

	groups := make(map[string]string)
	for i, name := range pattern.compiledRegex.SubexpNames() {
		if i != 0 && name != "" && i < len(matches) {
			groups[name] = matches[i]
		}
	}

	var fullName, baseName string
	if scope, ok := groups["scope"]; ok && scope != "" {
		decodedScope, err := url.PathUnescape(scope)
		if err != nil {
			return nil
		}
		baseName = groups["name"]
		fullName = decodedScope + "/" + baseName
	} else {
		pkg, ok := groups["package"]
		if !ok {
			return nil
		}
		decoded, err := url.PathUnescape(pkg)
		if err != nil {
			return nil
		}
		fullName = decoded
		baseName = decoded
	}

	file := groups["file"]
	if fullName == "" || file == "" {
		return nil
	}

	identity := &Identity{Name: fullName, Tarball: file}

	// npm tarballs are named <name>-<version>.tgz; anything after the
	// base name that parses as semver is the version.
	if raw := strings.TrimPrefix(file, baseName+"-"); raw != file {
		if _, err := semver.NewVersion(raw); err == nil {
			identity.Version = raw
		}
	}

	return identity
}

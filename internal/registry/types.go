package registry

// Identity is a package artifact resolved from a request path.
// Name carries the scope for scoped packages ("@org/pkg"). Version is
// empty when the version segment did not parse as semver; Tarball is
// always the raw file base name.
type Identity struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Tarball string `json:"tarball"`
}

// String returns a string representation of the identity.
func (i Identity) String() string {
	if i.Version == "" {
		return i.Name
	}
	return i.Name + "@" + i.Version
}

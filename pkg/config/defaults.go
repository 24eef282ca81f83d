package config

// Defaults.
const (
	DefaultRuleFile = "perimetra.rules.yaml"
)

// DefaultFile returns the built-in rule file: comparison subsets that drop
// volatile directory attributes, a small capability table for the common
// high-privilege directory roles, tier-0 classification and one traversal
// template reaching tier-0 vertices.
func DefaultFile() *File {
	f := &File{}
	f.Compare.VertexFields = map[string][]string{
		"user":             {"userPrincipalName", "accountEnabled", "mail"},
		"servicePrincipal": {"appId", "accountEnabled", "servicePrincipalType"},
		"device":           {"deviceId", "operatingSystem", "trustType"},
	}
	f.Capabilities = []CapabilitySpec{
		{
			ID:         "role-global-admin",
			Role:       "62e90394-69f5-4237-9190-012177145e10",
			Capability: "fullTenantControl",
			Severity:   "critical",
		},
		{
			ID:         "role-priv-auth-admin",
			Role:       "7be44c8a-adaf-4e2a-84d6-ab2649e08a13",
			Capability: "resetAnyCredential",
			Severity:   "critical",
		},
		{
			ID:         "perm-password-reset",
			Permission: "microsoft.directory/users/password/update",
			Capability: "resetAnyCredential",
			Severity:   "high",
		},
		{
			ID:         "perm-app-credentials",
			Permission: "microsoft.directory/applications/credentials/update",
			Capability: "impersonateApplication",
			Severity:   "high",
		},
	}
	f.Tiers = []TierSpec{
		{Kind: "roleDefinition", Tier: 0, Match: `attrs.isPrivileged == true`},
		{Kind: "resource", Tier: 0, Match: `attrs.resourceType == 'keyVault'`},
	}
	f.Traversals = []TraversalSpec{
		{
			Name:       "to-tier-zero",
			Target:     "tier == 0",
			MaxDepth:   6,
			MaxResults: 25,
		},
		{
			Name:       "user-to-critical",
			Source:     "kind == 'user'",
			Target:     "tier == 0",
			MaxDepth:   8,
			MaxResults: 10,
		},
	}
	return f
}

// Default compiles the built-in rule file. The built-ins always compile;
// a failure here is a programming error.
func Default() *Config {
	cfg, err := Compile(DefaultFile())
	if err != nil {
		panic(err)
	}
	return cfg
}

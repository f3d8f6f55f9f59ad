// Package environment maps national-cloud environment tags to directory API
// roots and models the authenticated session a fetch runs against.
package environment

// Environment identifies the national cloud a session is signed in to.
type Environment string

const (
	// Global is the worldwide commercial cloud (default).
	Global Environment = "Global"

	// USGov is the US Government (GCC High) cloud.
	USGov Environment = "USGov"

	// USGovDoD is the US Department of Defense cloud.
	USGovDoD Environment = "USGovDoD"

	// China is the cloud operated by 21Vianet.
	China Environment = "China"

	// Germany is the legacy German sovereign cloud.
	Germany Environment = "Germany"
)

// APIVersion is the path segment batch sub-requests are relative to.
const APIVersion = "v1.0"

// baseURLs maps each known environment to its API root.
var baseURLs = map[Environment]string{
	Global:   "https://graph.microsoft.com",
	USGov:    "https://graph.microsoft.us",
	USGovDoD: "https://dod-graph.microsoft.us",
	China:    "https://microsoftgraph.chinacloudapi.cn",
	Germany:  "https://graph.microsoft.de",
}

// BaseURL returns the API root for the environment. Unrecognized tags fall
// back to the Global root rather than failing, so the mapping is total.
func (e Environment) BaseURL() string {
	if url, ok := baseURLs[e]; ok {
		return url
	}
	return baseURLs[Global]
}

// VersionedBaseURL returns the API root including the version path segment,
// e.g. "https://graph.microsoft.com/v1.0".
func (e Environment) VersionedBaseURL() string {
	return e.BaseURL() + "/" + APIVersion
}

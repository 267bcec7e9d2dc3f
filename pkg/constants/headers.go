package constants

// Transport headers the verification pipeline inspects. Origin and Referer carry
// the browser's own statement of where the request came from; X-Forwarded-Host is
// set by fronting proxies; Sec-Fetch-Site is the fetch-metadata classification.
const (
	// HeaderOrigin is the browser-asserted request origin.
	HeaderOrigin = "Origin"

	// HeaderReferer is the browser-asserted referring page.
	HeaderReferer = "Referer"

	// HeaderForwardedHost is the host seen by a fronting proxy.
	HeaderForwardedHost = "X-Forwarded-Host"

	// HeaderSecFetchSite is the fetch-metadata site classification.
	HeaderSecFetchSite = "Sec-Fetch-Site"
)

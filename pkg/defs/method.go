package defs

// Method identifies an authentication factor, ordered strongest first.
type Method string

// Supported factor methods.
const (
	MethodWebAuthn Method = "webauthn"
	MethodOTP      Method = "otp"
	MethodDevice   Method = "device"
)

// ParseMethodStr parses a string into a Method (case-insensitive).
func ParseMethodStr(method string) (Method, error) {
	return parseEnumCaseInsensitive(method, MethodWebAuthn, MethodOTP, MethodDevice)
}

// FallbackChain is the fixed client-side priority: platform authenticator first,
// then one-time code, then device fingerprint.
func FallbackChain() []Method {
	return []Method{MethodWebAuthn, MethodOTP, MethodDevice}
}

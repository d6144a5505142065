package gate

// RequestContext is everything the gate needs to know about one request.
// The identity middleware builds it from the bearer token and the
// connection; the gate never reads framework state.
type RequestContext struct {
	UserID       string
	Role         string
	MerchantID   string
	MerchantName string
	IP           string
	Endpoint     string
	Method       string
	UserAgent    string
}

func (r RequestContext) Authenticated() bool {
	return r.UserID != ""
}

// Identity is the key quotas are counted against: the user when
// authenticated, otherwise the source address.
func (r RequestContext) Identity() (kind, value string) {
	if r.UserID != "" {
		return "user", r.UserID
	}
	return "ip", r.IP
}

package providers

import (
	"net"
	"net/http"
	"time"
)

// sharedHTTPClient is the single *http.Client every HTTP-backed provider
// variant uses, following the reference project's pattern of one
// deliberately configured client instead of http.DefaultClient. Per-call
// deadlines come from the context passed to Chat/Health/Embed.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 0, // bounded by the request's context deadline instead
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
	},
}

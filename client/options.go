package client

import "net/http"

// requestOptions collects the shape of the gated request. The paid retry
// reuses the same options so both requests are identical except for the
// proof header.
type requestOptions struct {
	method string
	body   []byte
	header http.Header
}

func defaultRequestOptions() requestOptions {
	return requestOptions{
		method: http.MethodGet,
		header: make(http.Header),
	}
}

// RequestOption customizes the gated request.
type RequestOption func(*requestOptions)

// WithMethod sets the HTTP method. The default is GET.
func WithMethod(method string) RequestOption {
	return func(o *requestOptions) {
		o.method = method
	}
}

// WithBody sets the request body and content type. The body is buffered so
// the paid retry can resend it unchanged.
func WithBody(contentType string, body []byte) RequestOption {
	return func(o *requestOptions) {
		o.body = body
		o.header.Set("Content-Type", contentType)
	}
}

// WithHeader adds a header to both the unpaid and paid requests.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		o.header.Add(key, value)
	}
}

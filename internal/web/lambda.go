package web

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"

	"github.com/stefando/videoupload/internal/auth"
	"github.com/stefando/videoupload/internal/logger"
)

// LambdaFunc is the signature lambda.Start expects for API Gateway proxy events.
type LambdaFunc func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

// LambdaHandler adapts API Gateway proxy events to h.
func LambdaHandler(h http.Handler) LambdaFunc {
	return func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		httpReq, err := createHTTPRequest(ctx, req)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("error creating HTTP request")
			return events.APIGatewayProxyResponse{
				StatusCode: http.StatusInternalServerError,
				Body:       "Internal server error",
			}, nil
		}

		// A REST API authorizer in front of the function has already
		// authenticated the caller.
		if subject := authorizerSubject(req.RequestContext.Authorizer); subject != "" {
			httpReq = httpReq.WithContext(auth.WithSubject(httpReq.Context(), subject))
		}

		rec := newResponseRecorder()
		h.ServeHTTP(rec, httpReq)
		return rec.response(), nil
	}
}

// createHTTPRequest creates an http.Request from an API Gateway event
func createHTTPRequest(ctx context.Context, req events.APIGatewayProxyRequest) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if req.Body != "" {
		if req.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(req.Body)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(decoded)
		} else {
			body = strings.NewReader(req.Body)
		}
	}

	path := req.Path
	if path == "" {
		path = "/"
	}
	for param, value := range req.PathParameters {
		path = strings.ReplaceAll(path, "{"+param+"}", value)
	}

	u := &url.URL{Path: path}
	query := url.Values{}
	for param, values := range req.MultiValueQueryStringParameters {
		query[param] = append(query[param], values...)
	}
	for param, value := range req.QueryStringParameters {
		if _, ok := query[param]; !ok {
			query.Set(param, value)
		}
	}
	u.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, req.HTTPMethod, u.String(), body)
	if err != nil {
		return nil, err
	}

	for key, values := range req.MultiValueHeaders {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	for key, value := range req.Headers {
		if httpReq.Header.Get(key) == "" {
			httpReq.Header.Set(key, value)
		}
	}
	if httpReq.Header.Get("X-Request-Id") == "" && req.RequestContext.RequestID != "" {
		httpReq.Header.Set("X-Request-Id", req.RequestContext.RequestID)
	}
	if ip := req.RequestContext.Identity.SourceIP; ip != "" {
		httpReq.RemoteAddr = ip
	}
	return httpReq, nil
}

// authorizerSubject reads the caller identity set by a Cognito user pool or
// a custom REQUEST authorizer.
func authorizerSubject(authorizer map[string]interface{}) string {
	if authorizer == nil {
		return ""
	}
	if claims, ok := authorizer["claims"].(map[string]interface{}); ok {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub
		}
	}
	if sub, ok := authorizer["principalId"].(string); ok {
		return sub
	}
	return ""
}

// responseRecorder captures the router's response
type responseRecorder struct {
	header     http.Header
	body       bytes.Buffer
	statusCode int
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{
		header:     http.Header{},
		statusCode: http.StatusOK,
	}
}

// Header implements the http.ResponseWriter interface
func (r *responseRecorder) Header() http.Header {
	return r.header
}

// Write implements the http.ResponseWriter interface
func (r *responseRecorder) Write(body []byte) (int, error) {
	return r.body.Write(body)
}

// WriteHeader implements the http.ResponseWriter interface
func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
}

// response converts the captured response to an API Gateway response.
// Bodies that are not valid UTF-8 are base64 encoded.
func (r *responseRecorder) response() events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{
		StatusCode:        r.statusCode,
		Headers:           make(map[string]string, len(r.header)),
		MultiValueHeaders: make(map[string][]string, len(r.header)),
	}
	for key, values := range r.header {
		if len(values) == 0 {
			continue
		}
		resp.Headers[key] = values[0]
		resp.MultiValueHeaders[key] = values
	}

	if body := r.body.Bytes(); utf8.Valid(body) {
		resp.Body = string(body)
	} else {
		resp.Body = base64.StdEncoding.EncodeToString(body)
		resp.IsBase64Encoded = true
	}
	return resp
}

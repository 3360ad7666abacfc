package auth

import (
	"context"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/stefando/videoupload/internal/logger"
)

// Authorizer answers API Gateway REQUEST authorizer events so that the
// upload function only sees callers with a valid bearer token.
type Authorizer struct {
	verifier Verifier
}

// NewAuthorizer creates an authorizer backed by v.
func NewAuthorizer(v Verifier) *Authorizer {
	return &Authorizer{verifier: v}
}

// Handle allows the request when its Authorization header carries a valid
// token. The subject becomes the principal and is passed on as "sub".
func (a *Authorizer) Handle(ctx context.Context, event events.APIGatewayCustomAuthorizerRequestTypeRequest) (events.APIGatewayCustomAuthorizerResponse, error) {
	log := logger.Ctx(ctx).With().
		Str("method_arn", event.MethodArn).
		Str("request_id", event.RequestContext.RequestID).
		Logger()

	token, err := BearerToken(headerValue(event.Headers, "Authorization"))
	if err != nil {
		log.Info().Err(err).Msg("authorization denied")
		return authorizerResponse("unauthorized", "Deny", event.MethodArn, nil), nil
	}

	subject, err := a.verifier.Verify(ctx, token)
	if err != nil {
		log.Info().Err(err).Msg("authorization denied")
		return authorizerResponse("unauthorized", "Deny", event.MethodArn, nil), nil
	}

	log.Debug().Str("uploader", subject).Msg("authorization granted")
	return authorizerResponse(subject, "Allow", event.MethodArn, map[string]interface{}{
		"sub": subject,
	}), nil
}

// headerValue looks a header up case-insensitively; API Gateway passes them
// as sent by the client.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func authorizerResponse(principalID, effect, methodArn string, ctx map[string]interface{}) events.APIGatewayCustomAuthorizerResponse {
	return events.APIGatewayCustomAuthorizerResponse{
		PrincipalID: principalID,
		PolicyDocument: events.APIGatewayCustomAuthorizerPolicy{
			Version: "2012-10-17",
			Statement: []events.IAMPolicyStatement{{
				Action:   []string{"execute-api:Invoke"},
				Effect:   effect,
				Resource: []string{methodArn},
			}},
		},
		Context: ctx,
	}
}

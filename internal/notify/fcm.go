package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmMulticastLimit is the largest token list FCM accepts in one call.
const fcmMulticastLimit = 500

type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMProvider delivers pushes through Firebase Cloud Messaging as data-only
// messages.
type FCMProvider struct {
	client multicastSender
}

// NewFCMProvider builds a messaging client from a service account file.
func NewFCMProvider(ctx context.Context, credentialsFile string) (*FCMProvider, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init messaging client: %w", err)
	}
	return &FCMProvider{client: client}, nil
}

func (p *FCMProvider) Send(ctx context.Context, tokens []string, payload Payload) ([]Result, error) {
	results := make([]Result, 0, len(tokens))
	data := payload.Data()
	for start := 0; start < len(tokens); start += fcmMulticastLimit {
		end := min(start+fcmMulticastLimit, len(tokens))
		chunk := tokens[start:end]
		resp, err := p.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens: chunk,
			Data:   data,
		})
		if err != nil {
			if len(results) == 0 {
				return nil, fmt.Errorf("send multicast: %w", err)
			}
			for _, t := range chunk {
				results = append(results, Result{Token: t, Err: err})
			}
			continue
		}
		results = append(results, fcmResults(chunk, resp)...)
	}
	return results, nil
}

func fcmResults(tokens []string, resp *messaging.BatchResponse) []Result {
	out := make([]Result, len(tokens))
	for i, t := range tokens {
		out[i] = Result{Token: t}
		if i >= len(resp.Responses) || resp.Responses[i] == nil {
			continue
		}
		r := resp.Responses[i]
		if r.Success {
			out[i].Delivered = true
			continue
		}
		out[i].Err = r.Error
		out[i].ErrorCode = fcmErrorCode(r.Error)
	}
	return out
}

func fcmErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case messaging.IsUnregistered(err):
		return CodeNotRegistered
	case messaging.IsInvalidArgument(err):
		return CodeInvalidToken
	case messaging.IsUnavailable(err):
		return "messaging/unavailable"
	case messaging.IsQuotaExceeded(err):
		return "messaging/quota-exceeded"
	default:
		return "messaging/internal-error"
	}
}

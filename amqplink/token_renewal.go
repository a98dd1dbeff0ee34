package amqplink

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// tokenRenewer puts claims-based tokens on the connection before links open
// and renews them on a timer. All methods run on the dispatcher.
type tokenRenewer struct {
	client *Client
	timers map[string]*clock.Timer
}

func newTokenRenewer(client *Client) *tokenRenewer {
	return &tokenRenewer{client: client, timers: make(map[string]*clock.Timer)}
}

// authorize ensures a token for entityPath is on connection, then calls done.
func (renewer *tokenRenewer) authorize(connection Connection, entityPath string, done func(error)) {
	client := renewer.client
	authorizer, ok := connection.(TokenAuthorizer)
	if client.credentials == nil || !ok {
		done(nil)
		return
	}
	audience := client.audience(entityPath)
	if _, scheduled := renewer.timers[audience]; scheduled {
		done(nil)
		return
	}
	renewer.put(authorizer, audience, func(err error) {
		if err == nil {
			renewer.scheduleRenewal(audience)
		}
		done(err)
	})
}

func (renewer *tokenRenewer) put(authorizer TokenAuthorizer, audience string, done func(error)) {
	client := renewer.client
	provider := client.credentials
	ttl := client.config.TokenTTL
	timeout := client.config.OperationTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		token, err := provider.GetToken(ctx, audience, ttl)
		if err == nil {
			err = authorizer.PutToken(ctx, audience, token)
		}
		client.metrics.tokenRenewed(err)
		if err != nil {
			client.logger.Warn("token put failed", zap.String("audience", audience), zap.Error(err))
			if _, ok := err.(*Error); !ok {
				err = NewError(AuthorizationError, "put token", err)
			}
		}
		_ = client.dispatcher.post(func() { done(err) })
	}()
}

func (renewer *tokenRenewer) scheduleRenewal(audience string) {
	client := renewer.client
	renewer.timers[audience] = client.dispatcher.schedule(client.config.TokenRenewInterval, func() {
		renewer.renew(audience)
	})
}

func (renewer *tokenRenewer) renew(audience string) {
	client := renewer.client
	if _, ok := renewer.timers[audience]; !ok || client.closed {
		return
	}
	connection, ok := client.connection.peekIfOpen()
	if !ok || connection.State() != LinkActive {
		// the next link open on a fresh connection puts a new token
		delete(renewer.timers, audience)
		return
	}
	authorizer, ok := connection.(TokenAuthorizer)
	if !ok {
		delete(renewer.timers, audience)
		return
	}
	renewer.put(authorizer, audience, func(err error) {
		if _, ok := renewer.timers[audience]; !ok {
			return
		}
		if err != nil {
			client.logger.Warn("token renewal failed", zap.String("audience", audience), zap.Error(err))
		}
		renewer.scheduleRenewal(audience)
	})
}

// reset stops every renewal; tokens are put again on the next link open.
func (renewer *tokenRenewer) reset() {
	for audience, timer := range renewer.timers {
		timer.Stop()
		delete(renewer.timers, audience)
	}
}

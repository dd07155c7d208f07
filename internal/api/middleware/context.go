package middleware

import (
	"context"
	"net/http"

	"github.com/callsight/callsight/pkg/models"
)

type contextKey string

const (
	userKey      contextKey = "user"
	keyPrefixKey contextKey = "key_prefix"
)

func SetUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func GetUser(r *http.Request) (*models.User, bool) {
	user, ok := r.Context().Value(userKey).(*models.User)
	return user, ok
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

package httpd

import "context"

func withUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func userFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey).(string)
	return user
}

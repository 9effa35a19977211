package logx

import (
	"context"

	"pkt.systems/pairbox/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	projectKey contextKey = iota
	userKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithProject annotates the logger with the project id if present.
func WithProject(ctx context.Context, projectID schema.ProjectID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if projectID != "" {
		if current, ok := ctx.Value(projectKey).(schema.ProjectID); ok && current == projectID {
			return log
		}
		log = log.With("project", projectID)
	}
	return log
}

// WithProjectUser annotates the logger with project and user identifiers.
func WithProjectUser(ctx context.Context, projectID schema.ProjectID, userID schema.UserID) pslog.Logger {
	log := WithProject(ctx, projectID)
	if userID != "" {
		if current, ok := ctx.Value(userKey).(schema.UserID); ok && current == userID {
			return log
		}
		log = log.With("user", userID)
	}
	return log
}

// WithSender annotates the logger with a message sender.
func WithSender(log pslog.Logger, sender schema.Sender) pslog.Logger {
	if sender.ID != "" {
		log = log.With("sender", sender.ID)
	}
	return log
}

// ContextWithProject stores the project marker on the context for log de-duplication.
func ContextWithProject(ctx context.Context, projectID schema.ProjectID) context.Context {
	if ctx == nil || projectID == "" {
		return ctx
	}
	return context.WithValue(ctx, projectKey, projectID)
}

// ContextWithUser stores the user marker on the context for log de-duplication.
func ContextWithUser(ctx context.Context, userID schema.UserID) context.Context {
	if ctx == nil || userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey, userID)
}

// ContextWithProjectLogger attaches the logger and project/user markers to the context.
func ContextWithProjectLogger(ctx context.Context, log pslog.Logger, projectID schema.ProjectID, userID schema.UserID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithUser(ContextWithProject(ctx, projectID), userID)
}

// Detach returns a background context carrying the logger and markers of
// src, for work that must outlive the request that started it.
func Detach(src context.Context) context.Context {
	dst := context.Background()
	if src == nil {
		return dst
	}
	dst = pslog.ContextWithLogger(dst, pslog.Ctx(src))
	if project, ok := src.Value(projectKey).(schema.ProjectID); ok && project != "" {
		dst = ContextWithProject(dst, project)
	}
	if user, ok := src.Value(userKey).(schema.UserID); ok && user != "" {
		dst = ContextWithUser(dst, user)
	}
	return dst
}

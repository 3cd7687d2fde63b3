// Package approval implements C8: a thin authorization façade over
// internal/booking. It never touches persistence directly — every operation
// delegates to the Pipeline once the caller's role has been checked.
package approval

import (
	"context"

	"github.com/kastela-knjigovodstvo/ledger-server/internal/apperr"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/auth"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/booking"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/model"
	"github.com/kastela-knjigovodstvo/ledger-server/internal/store"
)

// Gateway is the C8 contract implementation.
type Gateway struct {
	pipeline *booking.Pipeline
	st       store.Store
}

// New builds a Gateway over pipeline.
func New(pipeline *booking.Pipeline, st store.Store) *Gateway {
	return &Gateway{pipeline: pipeline, st: st}
}

// List returns bookings matching filter. Every role may read.
func (g *Gateway) List(ctx context.Context, sess model.Session, filter store.BookingFilter) ([]model.Booking, error) {
	return g.st.ListBookings(ctx, filter)
}

// Get fetches one booking by id. Every role may read.
func (g *Gateway) Get(ctx context.Context, sess model.Session, id string) (*model.Booking, error) {
	return g.st.GetBooking(ctx, id)
}

// Approve requires admin or accountant.
func (g *Gateway) Approve(ctx context.Context, sess model.Session, id string) (*model.Booking, error) {
	if !auth.RequireRole(sess, model.RoleAdmin, model.RoleAccountant) {
		return nil, apperr.New(apperr.KindForbidden, "approval: role cannot approve")
	}
	return g.pipeline.Approve(ctx, id, sess.Username)
}

// Reject requires admin or accountant.
func (g *Gateway) Reject(ctx context.Context, sess model.Session, id, reason string) (*model.Booking, error) {
	if !auth.RequireRole(sess, model.RoleAdmin, model.RoleAccountant) {
		return nil, apperr.New(apperr.KindForbidden, "approval: role cannot reject")
	}
	return g.pipeline.Reject(ctx, id, sess.Username, reason)
}

// Correct requires admin or accountant.
func (g *Gateway) Correct(ctx context.Context, sess model.Session, id string, patch booking.Patch) (*model.Booking, error) {
	if !auth.RequireRole(sess, model.RoleAdmin, model.RoleAccountant) {
		return nil, apperr.New(apperr.KindForbidden, "approval: role cannot correct")
	}
	return g.pipeline.Correct(ctx, id, sess.Username, patch)
}

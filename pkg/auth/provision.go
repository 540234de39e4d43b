package auth

import (
	"context"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// ProvisioningStats counts provisioning outcomes.
type ProvisioningStats struct {
	ActiveLocks       int    `json:"active_locks"`
	Created           uint64 `json:"created"`
	Migrated          uint64 `json:"migrated"`
	ConflictsResolved uint64 `json:"conflicts_resolved"`
}

// Provisioner finds or creates the user record for a remote user. Creation
// runs under the [ProvisioningLock] for the user's subject (or email), so
// concurrent first logins of one user create a single record.
type Provisioner struct {
	store  UserStore
	lock   *ProvisioningLock
	logger *slog.Logger
	tracer trace.Tracer

	created, migrated, conflicts atomic.Uint64
}

// NewProvisioner returns a provisioner writing to store.
func NewProvisioner(store UserStore, lock *ProvisioningLock, logger *slog.Logger) *Provisioner {
	if lock == nil {
		lock = NewProvisioningLock(DefaultProvisioningGrace)
	}
	return &Provisioner{
		store:  store,
		lock:   lock,
		logger: loggerOrDefault(logger),
		tracer: otel.Tracer(tracerName),
	}
}

// GetOrCreate returns the record for claims, creating it when neither the
// subject nor the email is known. A legacy record found by email alone has
// the subject attached.
func (p *Provisioner) GetOrCreate(ctx context.Context, claims RemoteClaims) (id Identity, err error) {
	ctx, span := startSpan(ctx, p.tracer, "auth.Provision")
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	identifier := claims.Subject
	if identifier == "" {
		identifier = NormalizeEmail(claims.Email)
	}

	err = p.lock.WithLock(ctx, identifier, func(ctx context.Context) error {
		existing, found, err := p.find(ctx, claims)
		if err != nil {
			return err
		}
		if found {
			span.SetAttributes(attribute.Bool("auth.provision.created", false))
			id = existing
			return nil
		}

		created, createErr := p.store.Create(ctx, NewUser{
			Email:       NormalizeEmail(claims.Email),
			Subject:     claims.Subject,
			Roles:       normalizeRoles(claims.Roles),
			DisplayName: claims.DisplayName,
			AuthMethod:  KindRemoteUser,
		})
		if createErr == nil {
			p.created.Add(1)
			span.SetAttributes(attribute.Bool("auth.provision.created", true))
			p.logger.InfoContext(ctx, "auth: provisioned user", "user_id", created.ID)
			id = created
			return nil
		}

		// Another writer may have won the race outside this process.
		existing, found, err = p.find(ctx, claims)
		if err == nil && found {
			p.conflicts.Add(1)
			p.logger.InfoContext(ctx, "auth: provisioning conflict resolved to existing user",
				"user_id", existing.ID,
				"error", createErr,
			)
			id = existing
			return nil
		}
		if sserr.IsConflict(createErr) || sserr.IsAuthentication(createErr) {
			return createErr
		}
		return asStoreError(createErr, "auth: failed to create user")
	})
	return id, err
}

// Stats returns provisioning counters.
func (p *Provisioner) Stats() ProvisioningStats {
	return ProvisioningStats{
		ActiveLocks:       p.lock.Len(),
		Created:           p.created.Load(),
		Migrated:          p.migrated.Load(),
		ConflictsResolved: p.conflicts.Load(),
	}
}

// find looks the user up by subject, then by email. An email match with
// no subject is migrated in place; an email match bound to a different
// subject is not this user.
func (p *Provisioner) find(ctx context.Context, claims RemoteClaims) (Identity, bool, error) {
	if claims.Subject != "" {
		id, found, err := p.store.GetBySubject(ctx, claims.Subject)
		if err != nil {
			return Identity{}, false, asStoreError(err, "auth: user lookup by subject failed")
		}
		if found {
			return id, true, nil
		}
	}

	email := NormalizeEmail(claims.Email)
	if email == "" {
		return Identity{}, false, nil
	}
	id, found, err := p.store.GetByEmail(ctx, email)
	if err != nil {
		return Identity{}, false, asStoreError(err, "auth: user lookup by email failed")
	}
	if !found {
		return Identity{}, false, nil
	}
	switch {
	case id.Subject == claims.Subject:
		return id, true, nil
	case id.Subject == "":
		return p.attachSubject(ctx, id, claims.Subject)
	default:
		return Identity{}, false, sserr.New(sserr.CodeConflictAlreadyExists,
			"auth: email is bound to a different subject").WithDetail("user_id", id.ID)
	}
}

// attachSubject binds subject to a legacy record found by email.
func (p *Provisioner) attachSubject(ctx context.Context, id Identity, subject string) (Identity, bool, error) {
	updated, err := p.store.Update(ctx, id.ID, UserUpdate{Subject: &subject})
	if err != nil {
		return Identity{}, false, asStoreError(err, "auth: failed to attach subject to user")
	}
	p.migrated.Add(1)
	p.logger.InfoContext(ctx, "auth: attached subject to legacy user", "user_id", id.ID)
	return updated, true, nil
}

package reconciler

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/metrics"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

// reconcileServices creates a new canonical service per payload entry (no
// cross-source service dedup in v1, spec.md §4.E step 3), linking it to
// its organization and any referenced locations.
func (r *Reconciler) reconcileServices(ctx context.Context, tx *sqlx.Tx, scraperID string, services []types.Service, orgRefs, locRefs map[string]uuid.UUID) error {
	for _, svc := range services {
		canonicalID := uuid.New()
		metrics.RecordReconcilerMatch("service")

		var orgID any
		if id, ok := orgRefs[svc.OrganizationID]; ok {
			orgID = id
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO service (id, organization_id, name, description, status)
			VALUES ($1, $2, $3, $4, $5)
		`, canonicalID, orgID, svc.Name, svc.Description, svc.Status); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert service")
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO service_source (id, service_id, scraper_id, name, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (service_id, scraper_id) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at
		`, uuid.New(), canonicalID, scraperID, svc.Name, parseUpdatedAt(svc.UpdatedAt)); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "upsert service_source")
		}

		for _, p := range svc.Phones {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO phone (id, service_id, number, type) VALUES ($1, $2, $3, $4)
			`, uuid.New(), canonicalID, p.Number, p.Type); err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert service phone")
			}
		}
		for _, l := range svc.Languages {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO language (id, service_id, code) VALUES ($1, $2, $3)
			`, uuid.New(), canonicalID, l.Code); err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert service language")
			}
		}

		// Service-level schedules (not scoped to a specific location link).
		for _, s := range svc.Schedules {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO schedule (id, service_id, freq, wkst, opens_at, closes_at, byday)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, uuid.New(), canonicalID, s.Freq, s.Wkst, s.OpensAt, s.ClosesAt, s.ByDay); err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert service schedule")
			}
		}

		for _, ref := range svc.LocationRefs {
			locID, ok := locRefs[ref]
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO service_at_location (id, service_id, location_id)
				VALUES ($1, $2, $3)
				ON CONFLICT (service_id, location_id) DO NOTHING
			`, uuid.New(), canonicalID, locID); err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert service_at_location")
			}
		}

		data, _ := json.Marshal(svc)
		if err := writeVersion(ctx, tx, canonicalID, "service", scraperID, data); err != nil {
			return err
		}
	}

	return nil
}
